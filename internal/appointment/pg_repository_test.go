package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/events"
)

var appointmentCols = []string{
	"id", "patient_id", "provider_id", "requested_start", "requested_end",
	"proposed_start", "proposed_end", "booked_start", "booked_end",
	"status", "concern", "is_active", "created_at", "updated_at",
}

func appointmentRow(a Appointment) []any {
	proposedStart, proposedEnd := intervalArgs(a.Proposed)
	bookedStart, bookedEnd := intervalArgs(a.Booked)
	return []any{
		a.ID, a.PatientID, a.ProviderID, a.Requested.Start, a.Requested.End,
		proposedStart, proposedEnd, bookedStart, bookedEnd,
		a.Status, a.Concern, a.IsActive, a.CreatedAt, a.UpdatedAt,
	}
}

func sampleAppointment(status AppointmentStatus) Appointment {
	proposed := span(10, 0, 11, 0)
	return Appointment{
		ID:         uuid.New(),
		PatientID:  uuid.New(),
		ProviderID: uuid.New(),
		Requested:  span(10, 0, 11, 0),
		Proposed:   &proposed,
		Status:     status,
		Concern:    "knee pain",
		IsActive:   true,
		CreatedAt:  clinicDay.Add(-time.Hour),
		UpdatedAt:  clinicDay.Add(-time.Hour),
	}
}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PgRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, newPgRepositoryWithConn(mock, time.Second, time.UTC)
}

func TestPgGetAppointment(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment(StatusProposed)

	mock.ExpectQuery(`FROM appointments WHERE id = \$1`).WithArgs(a.ID).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow(a)...))

	got, err := repo.GetAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, StatusProposed, got.Status)
	require.NotNil(t, got.Proposed)
	assert.True(t, got.Proposed.Equal(*a.Proposed))
	assert.Nil(t, got.Booked)

	missing := uuid.New()
	mock.ExpectQuery(`FROM appointments WHERE id = \$1`).WithArgs(missing).WillReturnError(pgx.ErrNoRows)
	_, err = repo.GetAppointment(context.Background(), missing)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	mock.ExpectQuery(`FROM appointments WHERE id = \$1`).WithArgs(missing).WillReturnError(errors.New("connection reset"))
	_, err = repo.GetAppointment(context.Background(), missing)
	assert.ErrorIs(t, err, ErrPersistence)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCompetingBookings(t *testing.T) {
	mock, repo := newMockRepo(t)
	providerID := uuid.New()
	booked := uuid.New()

	mock.ExpectQuery(`status IN \('booked', 'arrived', 'ongoing', 'completed'\)`).
		WithArgs(providerID, clinicDay, clinicDay.AddDate(0, 0, 1)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "booked_start", "booked_end"}).
			AddRow(booked, at(10, 0), at(11, 0)))

	got, err := repo.CompetingBookings(context.Background(), providerID, at(15, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, booked, got[0].AppointmentID)
	assert.True(t, got[0].Interval.Equal(span(10, 0, 11, 0)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWithProviderDayCommits(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment(StatusProposed)
	next := a
	next.Booked = a.Proposed
	next.Status = StatusBooked

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(advisoryKey(a.ProviderID, at(10, 0))).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(a.ID).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow(a)...))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow(next)...))
	mock.ExpectQuery(`INSERT INTO appointment_history`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(events.EventAppointmentStatusChanged, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.WithProviderDay(context.Background(), a.ProviderID, at(10, 0), func(ctx context.Context, tx Tx) error {
		current, err := tx.GetAppointment(ctx, a.ID)
		if err != nil {
			return err
		}
		saved, err := tx.UpdateAppointment(ctx, next, current.Status)
		if err != nil {
			return err
		}
		entry, err := tx.AppendHistory(ctx, HistoryEntry{AppointmentID: a.ID, Status: StatusBooked, ActorRole: RolePatient})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(42), entry.ID)
		return tx.RecordEvent(ctx, changeEvent(*saved, current.Status, at(8, 0)))
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgUpdateLosingCompareAndSetIsConflict(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment(StatusBooked)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := repo.WithProviderDay(context.Background(), a.ProviderID, at(10, 0), func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateAppointment(ctx, a, StatusProposed)
		return err
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgExclusionViolationIsConflict(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment(StatusBooked)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23P01", ConstraintName: "appointments_no_double_booking"})
	mock.ExpectRollback()

	err := repo.WithProviderDay(context.Background(), a.ProviderID, at(10, 0), func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateAppointment(ctx, a, StatusProposed)
		return err
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgBeginFailureIsPersistence(t *testing.T) {
	mock, repo := newMockRepo(t)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	called := false
	err := repo.WithProviderDay(context.Background(), uuid.New(), at(10, 0), func(context.Context, Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, called)
}

func TestPgListHistoryOrder(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()
	actor := uuid.New()
	feedback := "bring previous scans"
	start, end := at(10, 0), at(11, 0)

	mock.ExpectQuery(`ORDER BY created_at DESC, id DESC`).WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "appointment_id", "status", "actor_id", "actor_role", "note", "feedback", "related_start", "related_end", "created_at",
		}).
			AddRow(int64(2), id, StatusProposed, actor, RoleProvider, DefaultNote(StatusProposed), &feedback, &start, &end, at(9, 0)).
			AddRow(int64(1), id, StatusRequested, actor, RolePatient, DefaultNote(StatusRequested), (*string)(nil), &start, &end, at(8, 0)))

	got, err := repo.ListHistory(context.Background(), id, SortDescending)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, StatusProposed, got[0].Status)
	require.NotNil(t, got[0].Feedback)
	assert.Equal(t, feedback, *got[0].Feedback)
	assert.Nil(t, got[1].Feedback)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgListAppointmentsFilters(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment(StatusRequested)

	_, err := repo.ListAppointments(context.Background(), ListFilter{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	mock.ExpectQuery(`WHERE patient_id = \$1 AND is_active ORDER BY requested_start DESC, id LIMIT \$2 OFFSET \$3`).
		WithArgs(a.PatientID, 50, 0).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow(a)...))

	list, err := repo.ListAppointments(context.Background(), ListFilter{PatientID: &a.PatientID, ActiveOnly: true, Limit: 50})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCreateAppointmentWritesOutbox(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment(StatusRequested)
	a.Proposed = nil

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO appointments`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow(a)...))
	mock.ExpectQuery(`INSERT INTO appointment_history`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(events.EventAppointmentRequested, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	created, err := repo.CreateAppointment(context.Background(), a,
		HistoryEntry{AppointmentID: a.ID, Status: StatusRequested, ActorRole: RolePatient},
		changeEvent(a, "", a.CreatedAt))
	require.NoError(t, err)
	assert.Equal(t, a.ID, created.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
