package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/events"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxConn interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	pool      pgxConn
	txTimeout time.Duration
	loc       *time.Location
}

// NewPgRepository builds the Postgres gateway. Timestamps read back are
// converted to loc, the facility-local zone.
func NewPgRepository(pool *pgxpool.Pool, txTimeout time.Duration, loc *time.Location) *PgRepository {
	if pool == nil {
		panic("appointment: pgx pool required")
	}
	return newPgRepositoryWithConn(pool, txTimeout, loc)
}

func newPgRepositoryWithConn(conn pgxConn, txTimeout time.Duration, loc *time.Location) *PgRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &PgRepository{pool: conn, txTimeout: txTimeout, loc: loc}
}

const appointmentColumns = `id, patient_id, provider_id, requested_start, requested_end,
	proposed_start, proposed_end, booked_start, booked_end,
	status, concern, is_active, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row, loc *time.Location) (*Appointment, error) {
	var a Appointment
	var proposedStart, proposedEnd, bookedStart, bookedEnd *time.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.Requested.Start,
		&a.Requested.End,
		&proposedStart,
		&proposedEnd,
		&bookedStart,
		&bookedEnd,
		&a.Status,
		&a.Concern,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Requested = schedule.Interval{Start: a.Requested.Start.In(loc), End: a.Requested.End.In(loc)}
	a.Proposed = nullableInterval(proposedStart, proposedEnd, loc)
	a.Booked = nullableInterval(bookedStart, bookedEnd, loc)
	a.CreatedAt = a.CreatedAt.In(loc)
	a.UpdatedAt = a.UpdatedAt.In(loc)
	return &a, nil
}

func scanAppointments(rows pgx.Rows, loc *time.Location) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows, loc)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullableInterval(start, end *time.Time, loc *time.Location) *schedule.Interval {
	if start == nil || end == nil {
		return nil
	}
	return &schedule.Interval{Start: start.In(loc), End: end.In(loc)}
}

func intervalArgs(iv *schedule.Interval) (start, end *time.Time) {
	if iv == nil {
		return nil, nil
	}
	s, e := iv.Start, iv.End
	return &s, &e
}

func getAppointment(ctx context.Context, q querier, id uuid.UUID, loc *time.Location, forUpdate bool) (*Appointment, error) {
	sql := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	a, err := scanAppointment(q.QueryRow(ctx, sql, id), loc)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, storageErr("load appointment", err)
	}
	return a, nil
}

func competingBookings(ctx context.Context, q querier, providerID uuid.UUID, day time.Time, loc *time.Location) ([]Booking, error) {
	from := schedule.Day(day)
	to := from.AddDate(0, 0, 1)

	rows, err := q.Query(ctx, `
		SELECT id, booked_start, booked_end
		FROM appointments
		WHERE provider_id = $1
		  AND status IN ('booked', 'arrived', 'ongoing', 'completed')
		  AND booked_start < $3
		  AND booked_end > $2
		ORDER BY booked_start
	`, providerID, from, to)
	if err != nil {
		return nil, storageErr("load competing bookings", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.AppointmentID, &b.Interval.Start, &b.Interval.End); err != nil {
			return nil, storageErr("scan competing booking", err)
		}
		b.Interval = schedule.Interval{Start: b.Interval.Start.In(loc), End: b.Interval.End.In(loc)}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load competing bookings", err)
	}
	return out, nil
}

func insertHistory(ctx context.Context, q querier, e HistoryEntry) (HistoryEntry, error) {
	err := q.QueryRow(ctx, `
		INSERT INTO appointment_history
			(appointment_id, status, actor_id, actor_role, note, feedback, related_start, related_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, e.AppointmentID, e.Status, e.ActorID, e.ActorRole, e.Note, e.Feedback, e.RelatedStart, e.RelatedEnd, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return HistoryEntry{}, storageErr("append history", err)
	}
	return e, nil
}

func insertEvent(ctx context.Context, q querier, ev events.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	apptID := ev.AppointmentID

	_, err = q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, ev.Type(), &apptID, payload, ev.OccurredAt)
	if err != nil {
		return storageErr("insert event log", err)
	}
	return nil
}

// advisoryKey names the transaction-scoped Postgres lock for a provider day.
func advisoryKey(providerID uuid.UUID, day time.Time) string {
	return providerID.String() + ":" + schedule.Day(day).Format(time.DateOnly)
}

// inTx runs fn in a transaction and commits when fn succeeds.
func (r *PgRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin tx", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit tx", err)
	}
	committed = true
	return nil
}

// Interface methods

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, r.pool, id, r.loc, false)
}

func (r *PgRepository) CompetingBookings(ctx context.Context, providerID uuid.UUID, day time.Time) ([]Booking, error) {
	return competingBookings(ctx, r.pool, providerID, day, r.loc)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.ProviderID != nil {
		add("provider_id = $%d", *f.ProviderID)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("%w: patient or provider filter required", ErrInvalidRequest)
	}
	if f.ActiveOnly {
		conds = append(conds, "is_active")
	}

	args = append(args, f.Limit, f.Offset)
	sql := fmt.Sprintf(`SELECT %s FROM appointments WHERE %s ORDER BY requested_start DESC, id LIMIT $%d OFFSET $%d`,
		appointmentColumns, strings.Join(conds, " AND "), len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storageErr("list appointments", err)
	}
	list, err := scanAppointments(rows, r.loc)
	if err != nil {
		return nil, storageErr("scan appointments", err)
	}
	return list, nil
}

func (r *PgRepository) ListHistory(ctx context.Context, appointmentID uuid.UUID, order SortOrder) ([]HistoryEntry, error) {
	dir := "ASC"
	if order == SortDescending {
		dir = "DESC"
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, status, actor_id, actor_role, note, feedback, related_start, related_end, created_at
		FROM appointment_history
		WHERE appointment_id = $1
		ORDER BY created_at `+dir+`, id `+dir, appointmentID)
	if err != nil {
		return nil, storageErr("list history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.Status, &e.ActorID, &e.ActorRole,
			&e.Note, &e.Feedback, &e.RelatedStart, &e.RelatedEnd, &e.CreatedAt); err != nil {
			return nil, storageErr("scan history", err)
		}
		e.CreatedAt = e.CreatedAt.In(r.loc)
		if e.RelatedStart != nil {
			s := e.RelatedStart.In(r.loc)
			e.RelatedStart = &s
		}
		if e.RelatedEnd != nil {
			en := e.RelatedEnd.In(r.loc)
			e.RelatedEnd = &en
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list history", err)
	}
	return out, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, appt Appointment, entry HistoryEntry, ev events.ChangeEvent) (*Appointment, error) {
	var created *Appointment

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		proposedStart, proposedEnd := intervalArgs(appt.Proposed)
		bookedStart, bookedEnd := intervalArgs(appt.Booked)

		a, err := scanAppointment(tx.QueryRow(ctx, `
			INSERT INTO appointments (`+appointmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING `+appointmentColumns,
			appt.ID, appt.PatientID, appt.ProviderID, appt.Requested.Start, appt.Requested.End,
			proposedStart, proposedEnd, bookedStart, bookedEnd,
			appt.Status, appt.Concern, appt.IsActive, appt.CreatedAt, appt.UpdatedAt,
		), r.loc)
		if err != nil {
			return storageErr("insert appointment", err)
		}
		if _, err := insertHistory(ctx, tx, entry); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) (*Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET is_active = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns, id, active), r.loc)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, storageErr("set active", err)
	}
	return a, nil
}

// WithProviderDay opens the atomic unit: one transaction holding a
// transaction-scoped advisory lock on (provider, date). Every competing
// commit for the same provider day queues behind it, and the lock is
// released by commit or rollback.
func (r *PgRepository) WithProviderDay(ctx context.Context, providerID uuid.UUID, day time.Time, fn func(ctx context.Context, tx Tx) error) error {
	if r.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.txTimeout)
		defer cancel()
	}

	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, advisoryKey(providerID, day)); err != nil {
			return storageErr("lock provider day", err)
		}
		return fn(ctx, &pgTx{tx: tx, loc: r.loc})
	})
}

type pgTx struct {
	tx  pgx.Tx
	loc *time.Location
}

func (t *pgTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, t.tx, id, t.loc, true)
}

func (t *pgTx) CompetingBookings(ctx context.Context, providerID uuid.UUID, day time.Time) ([]Booking, error) {
	return competingBookings(ctx, t.tx, providerID, day, t.loc)
}

func (t *pgTx) UpdateAppointment(ctx context.Context, appt Appointment, from AppointmentStatus) (*Appointment, error) {
	proposedStart, proposedEnd := intervalArgs(appt.Proposed)
	bookedStart, bookedEnd := intervalArgs(appt.Booked)

	a, err := scanAppointment(t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    proposed_start = $3,
		    proposed_end = $4,
		    booked_start = $5,
		    booked_end = $6,
		    updated_at = $7
		WHERE id = $1
		  AND status = $8
		RETURNING `+appointmentColumns,
		appt.ID, appt.Status, proposedStart, proposedEnd, bookedStart, bookedEnd, appt.UpdatedAt, from,
	), t.loc)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("update appointment %s from %s: %w", appt.ID, from, ErrConflict)
		}
		return nil, storageErr("update appointment", err)
	}
	return a, nil
}

func (t *pgTx) AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	return insertHistory(ctx, t.tx, entry)
}

func (t *pgTx) RecordEvent(ctx context.Context, ev events.ChangeEvent) error {
	return insertEvent(ctx, t.tx, ev)
}
