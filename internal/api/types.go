package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

type CreateAppointmentRequest struct {
	PatientID  string     `json:"patient_id"`
	ProviderID string     `json:"provider_id"`
	Start      time.Time  `json:"start"`
	End        *time.Time `json:"end,omitempty"`
	Concern    string     `json:"concern"`
	ActorID    string     `json:"actor_id,omitempty"`
	ActorRole  string     `json:"actor_role,omitempty"`
}

type TransitionRequest struct {
	Target    string     `json:"target"`
	ActorID   string     `json:"actor_id"`
	ActorRole string     `json:"actor_role"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
	Feedback  *string    `json:"feedback,omitempty"`
}

type ActorRequest struct {
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
}

type SlotCheckRequest struct {
	Start                time.Time `json:"start"`
	End                  time.Time `json:"end"`
	ExcludeAppointmentID string    `json:"exclude_appointment_id,omitempty"`
}

type IntervalResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type AppointmentResponse struct {
	ID          uuid.UUID         `json:"id"`
	PatientID   uuid.UUID         `json:"patient_id"`
	ProviderID  uuid.UUID         `json:"provider_id"`
	Status      string            `json:"status"`
	Requested   IntervalResponse  `json:"requested"`
	Proposed    *IntervalResponse `json:"proposed,omitempty"`
	Booked      *IntervalResponse `json:"booked,omitempty"`
	Calendar    IntervalResponse  `json:"calendar"`
	Concern     string            `json:"concern"`
	IsActive    bool              `json:"is_active"`
	NextActions []string          `json:"next_actions"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type HistoryResponse struct {
	AppointmentID uuid.UUID                  `json:"appointment_id"`
	Consistent    bool                       `json:"consistent"`
	Entries       []appointment.HistoryEntry `json:"entries"`
}

type AvailabilityResponse struct {
	ProviderID uuid.UUID          `json:"provider_id"`
	Date       string             `json:"date"`
	Free       []IntervalResponse `json:"free"`
}

type SlotCheckResponse struct {
	Bookable  bool                `json:"bookable"`
	Rejection *schedule.Rejection `json:"rejection,omitempty"`
}

type ErrorResponse struct {
	Error     string              `json:"error"`
	Details   string              `json:"details,omitempty"`
	Rejection *schedule.Rejection `json:"rejection,omitempty"`
}

func toInterval(iv schedule.Interval) IntervalResponse {
	return IntervalResponse{Start: iv.Start, End: iv.End}
}

func toIntervalPtr(iv *schedule.Interval) *IntervalResponse {
	if iv == nil {
		return nil
	}
	out := toInterval(*iv)
	return &out
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	next := []string{}
	for _, s := range appointment.NextStatuses(a.Status) {
		next = append(next, string(s))
	}
	return AppointmentResponse{
		ID:          a.ID,
		PatientID:   a.PatientID,
		ProviderID:  a.ProviderID,
		Status:      string(a.Status),
		Requested:   toInterval(a.Requested),
		Proposed:    toIntervalPtr(a.Proposed),
		Booked:      toIntervalPtr(a.Booked),
		Calendar:    toInterval(a.CalendarInterval()),
		Concern:     a.Concern,
		IsActive:    a.IsActive,
		NextActions: next,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
