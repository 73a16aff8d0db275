package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/events"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

type stubService struct {
	requestFn    func(appointment.NewAppointment) (*appointment.Appointment, error)
	transitionFn func(appointment.TransitionRequest) (*appointment.Appointment, error)
	getFn        func(uuid.UUID) (*appointment.Appointment, error)
	listFn       func(appointment.ListFilter) ([]appointment.Appointment, error)
	historyFn    func(uuid.UUID, appointment.SortOrder) ([]appointment.HistoryEntry, error)
	dismissFn    func(uuid.UUID, appointment.Actor) (*appointment.Appointment, error)
	checkFn      func(uuid.UUID, schedule.Interval, uuid.UUID) error
	freeFn       func(uuid.UUID, time.Time) ([]schedule.Interval, error)
}

func (s *stubService) RequestAppointment(_ context.Context, in appointment.NewAppointment) (*appointment.Appointment, error) {
	return s.requestFn(in)
}

func (s *stubService) ApplyTransition(_ context.Context, req appointment.TransitionRequest) (*appointment.Appointment, error) {
	return s.transitionFn(req)
}

func (s *stubService) GetAppointment(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.getFn(id)
}

func (s *stubService) ListAppointments(_ context.Context, f appointment.ListFilter) ([]appointment.Appointment, error) {
	return s.listFn(f)
}

func (s *stubService) ListHistory(_ context.Context, id uuid.UUID, order appointment.SortOrder) ([]appointment.HistoryEntry, error) {
	return s.historyFn(id, order)
}

func (s *stubService) Dismiss(_ context.Context, id uuid.UUID, actor appointment.Actor) (*appointment.Appointment, error) {
	return s.dismissFn(id, actor)
}

func (s *stubService) CheckSlot(_ context.Context, providerID uuid.UUID, candidate schedule.Interval, exclude uuid.UUID) error {
	return s.checkFn(providerID, candidate, exclude)
}

func (s *stubService) AvailableIntervals(_ context.Context, providerID uuid.UUID, date time.Time) ([]schedule.Interval, error) {
	return s.freeFn(providerID, date)
}

var tuesday = time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC)

func clock(h, m int) time.Time {
	return tuesday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func sampleAppointment(status appointment.AppointmentStatus) *appointment.Appointment {
	return &appointment.Appointment{
		ID:         uuid.New(),
		PatientID:  uuid.New(),
		ProviderID: uuid.New(),
		Requested:  schedule.Interval{Start: clock(10, 0), End: clock(11, 0)},
		Status:     status,
		Concern:    "migraine",
		IsActive:   true,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAppointment(t *testing.T) {
	patientID, providerID := uuid.New(), uuid.New()
	var got appointment.NewAppointment
	svc := &stubService{requestFn: func(in appointment.NewAppointment) (*appointment.Appointment, error) {
		got = in
		a := sampleAppointment(appointment.StatusRequested)
		a.PatientID, a.ProviderID = in.PatientID, in.ProviderID
		return a, nil
	}}
	router := NewRouter(RouterConfig{Service: svc})

	rec := doJSON(t, router, http.MethodPost, "/appointments", map[string]any{
		"patient_id":  patientID.String(),
		"provider_id": providerID.String(),
		"start":       clock(10, 0),
		"concern":     "migraine",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "requested", resp.Status)
	assert.Equal(t, []string{"proposed", "rejected"}, resp.NextActions)
	assert.Equal(t, appointment.Actor{ID: patientID, Role: appointment.RolePatient}, got.Actor)
	assert.True(t, got.Start.Equal(clock(10, 0)))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doJSON(t, router, http.MethodPost, "/appointments", map[string]any{"patient_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitionErrorMapping(t *testing.T) {
	latest := clock(16, 0)
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"rejection", &schedule.Rejection{Reason: schedule.ReasonTooShortBeforeClose, Message: "latest start is 16:00", LatestStart: &latest}, http.StatusUnprocessableEntity, "slot_rejected"},
		{"illegal", fmt.Errorf("%w: completed -> booked", appointment.ErrIllegalTransition), http.StatusUnprocessableEntity, "illegal_transition"},
		{"conflict", fmt.Errorf("commit: %w", appointment.ErrConflict), http.StatusConflict, "conflict"},
		{"not found", appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
		{"persistence", fmt.Errorf("commit: %w: %w", appointment.ErrPersistence, errors.New("disk full")), http.StatusServiceUnavailable, "storage_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{transitionFn: func(appointment.TransitionRequest) (*appointment.Appointment, error) {
				return nil, tt.err
			}}
			router := NewRouter(RouterConfig{Service: svc})

			rec := doJSON(t, router, http.MethodPost, "/appointments/"+uuid.NewString()+"/transitions", map[string]any{
				"target":     "booked",
				"actor_id":   uuid.NewString(),
				"actor_role": "patient",
			})
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantErr, resp.Error)
			if tt.name == "rejection" {
				require.NotNil(t, resp.Rejection)
				assert.Equal(t, schedule.ReasonTooShortBeforeClose, resp.Rejection.Reason)
				require.NotNil(t, resp.Rejection.LatestStart)
				assert.True(t, resp.Rejection.LatestStart.Equal(latest))
			}
		})
	}
}

func TestTransitionParsesCounterOffer(t *testing.T) {
	var got appointment.TransitionRequest
	svc := &stubService{transitionFn: func(req appointment.TransitionRequest) (*appointment.Appointment, error) {
		got = req
		return sampleAppointment(appointment.StatusProposed), nil
	}}
	router := NewRouter(RouterConfig{Service: svc})
	id := uuid.New()
	actorID := uuid.New()

	rec := doJSON(t, router, http.MethodPost, "/appointments/"+id.String()+"/transitions", map[string]any{
		"target":     "proposed",
		"actor_id":   actorID.String(),
		"actor_role": "provider",
		"start":      clock(14, 0),
		"end":        clock(15, 0),
		"feedback":   "afternoon only",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, id, got.AppointmentID)
	assert.Equal(t, appointment.StatusProposed, got.Target)
	assert.Equal(t, appointment.RoleProvider, got.Actor.Role)
	require.NotNil(t, got.Interval)
	assert.True(t, got.Interval.Equal(schedule.Interval{Start: clock(14, 0), End: clock(15, 0)}))
	require.NotNil(t, got.Feedback)
	assert.Equal(t, "afternoon only", *got.Feedback)

	rec = doJSON(t, router, http.MethodPost, "/appointments/"+id.String()+"/transitions", map[string]any{
		"target": "proposed", "actor_id": actorID.String(), "actor_role": "provider", "start": clock(14, 0),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/appointments/"+id.String()+"/transitions", map[string]any{
		"target": "no_show", "actor_id": actorID.String(), "actor_role": "staff",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	id := uuid.New()
	entries := []appointment.HistoryEntry{
		{ID: 2, AppointmentID: id, Status: appointment.StatusProposed},
		{ID: 1, AppointmentID: id, Status: appointment.StatusRequested},
	}
	var gotOrder appointment.SortOrder
	svc := &stubService{historyFn: func(_ uuid.UUID, order appointment.SortOrder) ([]appointment.HistoryEntry, error) {
		gotOrder = order
		return entries, nil
	}}
	router := NewRouter(RouterConfig{Service: svc})

	rec := doJSON(t, router, http.MethodGet, "/appointments/"+id.String()+"/history?order=desc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appointment.SortDescending, gotOrder)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Consistent)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, appointment.StatusProposed, resp.Entries[0].Status)

	rec = doJSON(t, router, http.MethodGet, "/appointments/"+id.String()+"/history?order=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailabilityAndSlotCheck(t *testing.T) {
	providerID := uuid.New()
	svc := &stubService{
		freeFn: func(_ uuid.UUID, date time.Time) ([]schedule.Interval, error) {
			assert.True(t, date.Equal(tuesday))
			return []schedule.Interval{{Start: clock(9, 0), End: clock(10, 0)}, {Start: clock(11, 0), End: clock(17, 0)}}, nil
		},
		checkFn: func(_ uuid.UUID, candidate schedule.Interval, _ uuid.UUID) error {
			if candidate.Start.Equal(clock(10, 30)) {
				return &schedule.Rejection{Reason: schedule.ReasonOverlap, Message: "overlaps 10:00-11:00"}
			}
			return nil
		},
	}
	router := NewRouter(RouterConfig{Service: svc, Location: time.UTC})

	rec := doJSON(t, router, http.MethodGet, "/providers/"+providerID.String()+"/availability?date=2026-10-13", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var avail AvailabilityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &avail))
	assert.Len(t, avail.Free, 2)

	rec = doJSON(t, router, http.MethodGet, "/providers/"+providerID.String()+"/availability?date=13/10/2026", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/providers/"+providerID.String()+"/slot-check", map[string]any{
		"start": clock(10, 30), "end": clock(11, 30),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var verdict SlotCheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.False(t, verdict.Bookable)
	require.NotNil(t, verdict.Rejection)
	assert.Equal(t, schedule.ReasonOverlap, verdict.Rejection.Reason)

	rec = doJSON(t, router, http.MethodPost, "/providers/"+providerID.String()+"/slot-check", map[string]any{
		"start": clock(11, 0), "end": clock(12, 0),
	})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.True(t, verdict.Bookable)
}

func TestRateLimitOnMutatingRoutes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	svc := &stubService{
		dismissFn: func(uuid.UUID, appointment.Actor) (*appointment.Appointment, error) {
			return sampleAppointment(appointment.StatusCancelled), nil
		},
		getFn: func(uuid.UUID) (*appointment.Appointment, error) {
			return sampleAppointment(appointment.StatusBooked), nil
		},
	}
	router := NewRouter(RouterConfig{Service: svc, Limiter: redisclient.NewFixedWindowLimiter(client, 1, time.Minute)})
	body := map[string]any{"actor_id": uuid.NewString(), "actor_role": "patient"}
	path := "/appointments/" + uuid.NewString()

	assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPost, path+"/dismiss", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, doJSON(t, router, http.MethodPost, path+"/dismiss", body).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodGet, path, nil).Code, "reads are not limited")
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewBookingMetrics(reg)

	down := NewHealthHandler(pingFunc(func(context.Context) error { return errors.New("refused") }), nil, "test", "v0")
	router := NewRouter(RouterConfig{Service: &stubService{}, Health: down, Metrics: m, Gatherer: reg})

	assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, router, http.MethodGet, "/health/ready", nil).Code)

	rec := doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `clinic_http_request_duration_seconds_count{method="GET",route="/health/ready",status="503"} 1`)
}

func TestSubscribeStreamsEvents(t *testing.T) {
	hub := events.NewHub(4)
	router := NewRouter(RouterConfig{Service: &stubService{}, Hub: hub})
	srv := httptest.NewServer(router)
	defer srv.Close()

	providerID := uuid.New()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe?provider_id=" + providerID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.Subscribers(events.ProviderTopic(providerID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := events.ChangeEvent{
		AppointmentID: uuid.New(),
		ProviderID:    providerID,
		PatientID:     uuid.New(),
		OldStatus:     "proposed",
		NewStatus:     "booked",
		OccurredAt:    clock(9, 0),
	}
	require.NoError(t, hub.Publish(context.Background(), ev))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.ChangeEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, ev.Key(), got.Key())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return hub.Subscribers(events.ProviderTopic(providerID)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeRequiresTopic(t *testing.T) {
	router := NewRouter(RouterConfig{Service: &stubService{}, Hub: events.NewHub(1)})
	rec := doJSON(t, router, http.MethodGet, "/subscribe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
