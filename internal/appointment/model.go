package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

type AppointmentStatus string

const (
	StatusRequested AppointmentStatus = "requested"
	StatusProposed  AppointmentStatus = "proposed"
	StatusBooked    AppointmentStatus = "booked"
	StatusArrived   AppointmentStatus = "arrived"
	StatusOngoing   AppointmentStatus = "ongoing"
	StatusCompleted AppointmentStatus = "completed"
	StatusRejected  AppointmentStatus = "rejected"
	StatusCancelled AppointmentStatus = "cancelled"
)

var allStatuses = []AppointmentStatus{
	StatusRequested, StatusProposed, StatusBooked, StatusArrived,
	StatusOngoing, StatusCompleted, StatusRejected, StatusCancelled,
}

func ParseStatus(s string) (AppointmentStatus, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown appointment status %q", s)
}

// Terminal reports whether no transition leaves s.
func (s AppointmentStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// ReservesCalendar reports whether an appointment in s blocks its booked
// interval for other appointments of the same provider.
func (s AppointmentStatus) ReservesCalendar() bool {
	switch s {
	case StatusBooked, StatusArrived, StatusOngoing, StatusCompleted:
		return true
	}
	return false
}

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleStaff    Role = "staff"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RolePatient, RoleProvider, RoleStaff:
		return r, nil
	}
	return "", fmt.Errorf("unknown actor role %q", s)
}

// Actor is whoever requests a transition.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

type Appointment struct {
	ID         uuid.UUID          `json:"id"`
	PatientID  uuid.UUID          `json:"patient_id"`
	ProviderID uuid.UUID          `json:"provider_id"`
	Requested  schedule.Interval  `json:"requested"`
	Proposed   *schedule.Interval `json:"proposed,omitempty"`
	Booked     *schedule.Interval `json:"booked,omitempty"`
	Status     AppointmentStatus  `json:"status"`
	Concern    string             `json:"concern"`
	IsActive   bool               `json:"is_active"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// CalendarInterval is the interval that currently represents the appointment
// on the calendar, chosen by status.
func (a *Appointment) CalendarInterval() schedule.Interval {
	if a.Booked != nil {
		return *a.Booked
	}
	if a.Proposed != nil && a.Status != StatusRequested && a.Status != StatusRejected {
		return *a.Proposed
	}
	return a.Requested
}

// HistoryEntry is one immutable row of an appointment's audit trail.
type HistoryEntry struct {
	ID            int64             `json:"id"`
	AppointmentID uuid.UUID         `json:"appointment_id"`
	Status        AppointmentStatus `json:"status"`
	ActorID       uuid.UUID         `json:"actor_id"`
	ActorRole     Role              `json:"actor_role"`
	Note          string            `json:"note"`
	Feedback      *string           `json:"feedback,omitempty"`
	RelatedStart  *time.Time        `json:"related_start,omitempty"`
	RelatedEnd    *time.Time        `json:"related_end,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Booking is a booked interval held by an appointment.
type Booking struct {
	AppointmentID uuid.UUID
	Interval      schedule.Interval
}

func intervals(bookings []Booking, exclude uuid.UUID) []schedule.Interval {
	out := make([]schedule.Interval, 0, len(bookings))
	for _, b := range bookings {
		if b.AppointmentID == exclude {
			continue
		}
		out = append(out, b.Interval)
	}
	return out
}

type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// ListFilter narrows appointment listings. At least one of PatientID and
// ProviderID must be set.
type ListFilter struct {
	PatientID  *uuid.UUID
	ProviderID *uuid.UUID
	Status     *AppointmentStatus
	ActiveOnly bool
	Limit      int
	Offset     int
}
