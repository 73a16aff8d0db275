package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/events"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// AppointmentService is the booking orchestrator as seen by HTTP handlers.
type AppointmentService interface {
	RequestAppointment(ctx context.Context, in appointment.NewAppointment) (*appointment.Appointment, error)
	ApplyTransition(ctx context.Context, req appointment.TransitionRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error)
	ListHistory(ctx context.Context, id uuid.UUID, order appointment.SortOrder) ([]appointment.HistoryEntry, error)
	Dismiss(ctx context.Context, id uuid.UUID, actor appointment.Actor) (*appointment.Appointment, error)
	CheckSlot(ctx context.Context, providerID uuid.UUID, candidate schedule.Interval, exclude uuid.UUID) error
	AvailableIntervals(ctx context.Context, providerID uuid.UUID, date time.Time) ([]schedule.Interval, error)
}

type RouterConfig struct {
	Service  AppointmentService
	Hub      *events.Hub
	Health   *HealthHandler
	Limiter  RateLimiter
	Metrics  *metrics.BookingMetrics
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
	Location *time.Location
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	h := &handlers{svc: cfg.Service, loc: loc, log: log}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.Hub != nil {
		r.Handle("/subscribe", &subscribeHandler{hub: cfg.Hub, log: log})
	}

	r.Get("/appointments", h.listAppointments)
	r.Get("/appointments/{id}", h.getAppointment)
	r.Get("/appointments/{id}/history", h.history)
	r.Get("/providers/{id}/availability", h.availability)
	r.Post("/providers/{id}/slot-check", h.slotCheck)

	r.Group(func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(RateLimitMiddleware(cfg.Limiter, log))
		}
		r.Post("/appointments", h.createAppointment)
		r.Post("/appointments/{id}/transitions", h.applyTransition)
		r.Post("/appointments/{id}/dismiss", h.dismiss)
	})

	return r
}
