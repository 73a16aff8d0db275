package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/events"
)

// Repository is the persistence gateway. Reads run without locks; every
// mutation of an existing appointment goes through WithProviderDay.
type Repository interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, filter ListFilter) ([]Appointment, error)
	ListHistory(ctx context.Context, appointmentID uuid.UUID, order SortOrder) ([]HistoryEntry, error)

	// Booked intervals of reserving appointments for the provider on day.
	CompetingBookings(ctx context.Context, providerID uuid.UUID, day time.Time) ([]Booking, error)

	// Inserts a new appointment, its first history entry and its outbox
	// event in one transaction.
	CreateAppointment(ctx context.Context, appt Appointment, entry HistoryEntry, ev events.ChangeEvent) (*Appointment, error)

	// Patient-side dismiss flag; not a lifecycle transition.
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*Appointment, error)

	// Runs fn inside one transaction serialized with every other commit for
	// the same provider and date. fn's error rolls everything back.
	WithProviderDay(ctx context.Context, providerID uuid.UUID, day time.Time, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of the gateway available inside the atomic unit.
type Tx interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CompetingBookings(ctx context.Context, providerID uuid.UUID, day time.Time) ([]Booking, error)

	// Compare-and-set on status; ErrConflict when the row moved on.
	UpdateAppointment(ctx context.Context, appt Appointment, from AppointmentStatus) (*Appointment, error)
	AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error)
	RecordEvent(ctx context.Context, ev events.ChangeEvent) error
}
