package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/events"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/provider"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

var tracer = otel.Tracer("github.com/hackgods/clinic-scheduling/internal/appointment")

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// TransitionRequest asks to move one appointment to Target on behalf of
// Actor. Interval is only meaningful when entering Proposed, where it is the
// provider's counter-offer.
type TransitionRequest struct {
	AppointmentID uuid.UUID
	Target        AppointmentStatus
	Actor         Actor
	Interval      *schedule.Interval
	Feedback      *string
}

// NewAppointment is a patient's request for a consultation. End defaults to
// Start plus the configured default duration.
type NewAppointment struct {
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	Start      time.Time
	End        *time.Time
	Concern    string
	Actor      Actor
}

// Service is the booking orchestrator. It is the only writer of
// appointments and their history.
type Service struct {
	repo      Repository
	directory provider.Directory
	resolver  *schedule.Resolver
	validator schedule.Validator
	locker    redisclient.Locker
	publisher events.Publisher
	cfg       config.Config
	loc       *time.Location
	log       *zap.SugaredLogger
	metrics   *metrics.BookingMetrics
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.BookingMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the orchestrator. A nil locker skips the Redis lock and
// relies on the database advisory lock alone; a nil publisher skips
// post-commit notification.
func NewService(repo Repository, directory provider.Directory, locker redisclient.Locker, publisher events.Publisher, cfg config.Config, opts ...Option) *Service {
	loc := cfg.FacilityTZ
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{
		repo:      repo,
		directory: directory,
		resolver:  schedule.NewResolver(directory),
		validator: schedule.NewValidator(cfg.MinDuration),
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		loc:       loc,
		log:       zap.NewNop().Sugar(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestAppointment creates an appointment in Requested with its first
// history entry. The requested time is a wish, not a reservation, so it is
// not slot-validated here.
func (s *Service) RequestAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.RequestAppointment", trace.WithAttributes(
		attribute.String("provider.id", in.ProviderID.String()),
		attribute.String("patient.id", in.PatientID.String()),
	))
	defer span.End()

	switch in.Actor.Role {
	case RolePatient:
		if in.Actor.ID != in.PatientID {
			return nil, fmt.Errorf("%w: patient may only request for themselves", ErrIllegalTransition)
		}
	case RoleStaff:
	default:
		return nil, fmt.Errorf("%w: %s cannot request appointments", ErrIllegalTransition, in.Actor.Role)
	}

	concern := strings.TrimSpace(in.Concern)
	if concern == "" {
		return nil, fmt.Errorf("%w: concern is required", ErrInvalidRequest)
	}
	if in.Start.IsZero() {
		return nil, fmt.Errorf("%w: start is required", ErrInvalidRequest)
	}

	start := in.Start.In(s.loc)
	requested := schedule.NewInterval(start, s.defaultDuration())
	if in.End != nil {
		requested.End = in.End.In(s.loc)
	}
	if !requested.Valid() {
		return nil, fmt.Errorf("%w: end must be after start", ErrInvalidRequest)
	}

	if _, err := s.directory.GetProvider(ctx, in.ProviderID); err != nil {
		return nil, err
	}

	now := s.now().In(s.loc)
	appt := Appointment{
		ID:         uuid.New(),
		PatientID:  in.PatientID,
		ProviderID: in.ProviderID,
		Requested:  requested,
		Status:     StatusRequested,
		Concern:    concern,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	entry := HistoryEntry{
		AppointmentID: appt.ID,
		Status:        StatusRequested,
		ActorID:       in.Actor.ID,
		ActorRole:     in.Actor.Role,
		Note:          DefaultNote(StatusRequested),
		RelatedStart:  &requested.Start,
		RelatedEnd:    &requested.End,
		CreatedAt:     now,
	}
	ev := changeEvent(appt, "", now)

	created, err := s.repo.CreateAppointment(ctx, appt, entry, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.ObserveTransition("", string(StatusRequested), "committed")
	s.log.Infow("appointment requested",
		"appointment_id", created.ID,
		"provider_id", created.ProviderID,
		"patient_id", created.PatientID,
		"requested", created.Requested.String(),
	)
	s.publish(ctx, ev)
	return created, nil
}

// ApplyTransition is the single entry point for lifecycle changes. It
// validates against a snapshot first, then re-validates and commits under
// the provider-day lock, so at most one of several racing bookings wins.
func (s *Service) ApplyTransition(ctx context.Context, req TransitionRequest) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.ApplyTransition", trace.WithAttributes(
		attribute.String("appointment.id", req.AppointmentID.String()),
		attribute.String("appointment.target", string(req.Target)),
		attribute.String("actor.role", string(req.Actor.Role)),
	))
	defer span.End()

	appt, err := s.repo.GetAppointment(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("appointment.status", string(appt.Status)))

	if err := CanTransition(appt.Status, req.Target, req.Actor.Role); err != nil {
		s.metrics.ObserveTransition(string(appt.Status), string(req.Target), "illegal")
		return nil, err
	}
	if err := authorize(appt, req.Actor); err != nil {
		s.metrics.ObserveTransition(string(appt.Status), string(req.Target), "illegal")
		return nil, err
	}

	assigned, err := targetInterval(appt, req.Target, req.Interval)
	if err != nil {
		return nil, err
	}

	var windows []schedule.Interval
	if assigned != nil {
		*assigned = schedule.Interval{Start: assigned.Start.In(s.loc), End: assigned.End.In(s.loc)}

		windows, err = s.resolver.Resolve(ctx, appt.ProviderID, assigned.Start)
		if err != nil {
			return nil, err
		}
		booked, err := s.repo.CompetingBookings(ctx, appt.ProviderID, assigned.Start)
		if err != nil {
			return nil, err
		}
		if err := s.validator.Validate(windows, *assigned, intervals(booked, appt.ID)); err != nil {
			s.observeRejection(appt, req.Target, err)
			return nil, err
		}
	}

	day := appt.CalendarInterval().Start.In(s.loc)
	if assigned != nil {
		day = assigned.Start
	}

	var (
		updated *Appointment
		event   events.ChangeEvent
	)
	started := time.Now()
	err = s.withProviderDayLock(ctx, appt.ProviderID, day, func(ctx context.Context) error {
		return s.repo.WithProviderDay(ctx, appt.ProviderID, day, func(ctx context.Context, tx Tx) error {
			current, err := tx.GetAppointment(ctx, appt.ID)
			if err != nil {
				return err
			}
			if current.Status != appt.Status {
				return fmt.Errorf("appointment %s moved from %s to %s: %w", appt.ID, appt.Status, current.Status, ErrConflict)
			}

			if assigned != nil {
				booked, err := tx.CompetingBookings(ctx, appt.ProviderID, assigned.Start)
				if err != nil {
					return err
				}
				if verr := s.validator.Validate(windows, *assigned, intervals(booked, appt.ID)); verr != nil {
					return fmt.Errorf("slot %s on %s taken concurrently (%v): %w",
						assigned, assigned.Start.Format(time.DateOnly), verr, ErrConflict)
				}
			}

			now := s.now().In(s.loc)
			next, entry := advance(*current, req.Target, req.Actor, assigned, req.Feedback, now)

			saved, err := tx.UpdateAppointment(ctx, next, current.Status)
			if err != nil {
				return err
			}
			if _, err := tx.AppendHistory(ctx, entry); err != nil {
				return err
			}
			ev := changeEvent(*saved, current.Status, now)
			if err := tx.RecordEvent(ctx, ev); err != nil {
				return err
			}

			updated, event = saved, ev
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.ObserveConflict()
			s.metrics.ObserveTransition(string(appt.Status), string(req.Target), "conflict")
			s.log.Infow("transition lost race",
				"appointment_id", appt.ID,
				"from", appt.Status,
				"to", req.Target,
				"error", err,
			)
		} else {
			s.metrics.ObserveTransition(string(appt.Status), string(req.Target), "error")
			s.log.Errorw("transition failed",
				"appointment_id", appt.ID,
				"from", appt.Status,
				"to", req.Target,
				"error", err,
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.ObserveCommit(time.Since(started).Seconds())
	s.metrics.ObserveTransition(string(appt.Status), string(req.Target), "committed")
	s.log.Infow("appointment transitioned",
		"appointment_id", updated.ID,
		"from", event.OldStatus,
		"to", event.NewStatus,
		"actor_role", req.Actor.Role,
	)
	s.publish(ctx, event)
	return updated, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointment(ctx, id)
}

// ListHistory returns the appointment's audit trail in the given order.
func (s *Service) ListHistory(ctx context.Context, id uuid.UUID, order SortOrder) ([]HistoryEntry, error) {
	if _, err := s.repo.GetAppointment(ctx, id); err != nil {
		return nil, err
	}
	if order != SortDescending {
		order = SortAscending
	}
	return s.repo.ListHistory(ctx, id, order)
}

func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.PatientID == nil && f.ProviderID == nil {
		return nil, fmt.Errorf("%w: patient_id or provider_id is required", ErrInvalidRequest)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.ListAppointments(ctx, f)
}

// Dismiss hides a finished appointment from the patient's active list. It
// is not a lifecycle transition and writes no history.
func (s *Service) Dismiss(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != RolePatient || actor.ID != appt.PatientID {
		return nil, fmt.Errorf("%w: only the appointment's patient can dismiss it", ErrIllegalTransition)
	}
	if !appt.Status.Terminal() {
		return nil, fmt.Errorf("dismiss %s appointment %s: %w", appt.Status, appt.ID, ErrNotTerminal)
	}
	if !appt.IsActive {
		return appt, nil
	}
	return s.repo.SetActive(ctx, id, false)
}

// CheckSlot runs the slot rules for a candidate without changing anything.
// It returns nil when the candidate is bookable and a *schedule.Rejection
// when it is not. exclude names an appointment whose own booking should be
// ignored, or uuid.Nil.
func (s *Service) CheckSlot(ctx context.Context, providerID uuid.UUID, candidate schedule.Interval, exclude uuid.UUID) error {
	if _, err := s.directory.GetProvider(ctx, providerID); err != nil {
		return err
	}
	candidate = schedule.Interval{Start: candidate.Start.In(s.loc), End: candidate.End.In(s.loc)}

	windows, err := s.resolver.Resolve(ctx, providerID, candidate.Start)
	if err != nil {
		return err
	}
	booked, err := s.repo.CompetingBookings(ctx, providerID, candidate.Start)
	if err != nil {
		return err
	}
	return s.validator.Validate(windows, candidate, intervals(booked, exclude))
}

// AvailableIntervals lists the provider's open time on date minus what is
// already booked.
func (s *Service) AvailableIntervals(ctx context.Context, providerID uuid.UUID, date time.Time) ([]schedule.Interval, error) {
	if _, err := s.directory.GetProvider(ctx, providerID); err != nil {
		return nil, err
	}
	date = date.In(s.loc)

	open, err := s.resolver.Resolve(ctx, providerID, date)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return []schedule.Interval{}, nil
	}
	booked, err := s.repo.CompetingBookings(ctx, providerID, date)
	if err != nil {
		return nil, err
	}
	return schedule.Free(open, intervals(booked, uuid.Nil)), nil
}

func (s *Service) defaultDuration() time.Duration {
	if s.cfg.DefaultDuration > 0 {
		return s.cfg.DefaultDuration
	}
	return schedule.DefaultMinDuration
}

// withProviderDayLock runs fn under the cross-instance Redis lock. Failing
// to get the lock in time is a lost race; any other lock failure is
// infrastructure.
func (s *Service) withProviderDayLock(ctx context.Context, providerID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	ran := false
	err := s.locker.WithProviderDayLock(ctx, providerID, schedule.Day(day), func(ctx context.Context) error {
		ran = true
		return fn(ctx)
	})
	if err == nil || ran {
		return err
	}
	if errors.Is(err, redisclient.ErrLockNotAcquired) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("provider %s busy on %s: %w", providerID, day.Format(time.DateOnly), ErrConflict)
	}
	return fmt.Errorf("acquire provider day lock: %w: %w", ErrPersistence, err)
}

func (s *Service) observeRejection(appt *Appointment, to AppointmentStatus, err error) {
	var rej *schedule.Rejection
	if errors.As(err, &rej) {
		s.metrics.ObserveRejection(string(rej.Reason))
		s.log.Debugw("slot rejected",
			"appointment_id", appt.ID,
			"provider_id", appt.ProviderID,
			"reason", rej.Reason,
		)
	}
	s.metrics.ObserveTransition(string(appt.Status), string(to), "rejected")
}

// publish notifies subscribers after commit. The outbox row already holds
// the event, so a failure here is logged and not returned.
func (s *Service) publish(ctx context.Context, ev events.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warnw("publish change event failed",
			"appointment_id", ev.AppointmentID,
			"new_status", ev.NewStatus,
			"error", err,
		)
	}
}

func changeEvent(a Appointment, old AppointmentStatus, at time.Time) events.ChangeEvent {
	return events.ChangeEvent{
		AppointmentID: a.ID,
		ProviderID:    a.ProviderID,
		PatientID:     a.PatientID,
		OldStatus:     string(old),
		NewStatus:     string(a.Status),
		OccurredAt:    at,
	}
}
