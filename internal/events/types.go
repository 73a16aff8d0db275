package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentRequested     = "APPOINTMENT_REQUESTED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
)

// ChangeEvent is published exactly once per committed status change.
// Delivery is at-least-once, so consumers dedupe on Key().
type ChangeEvent struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	OldStatus     string    `json:"old_status,omitempty"`
	NewStatus     string    `json:"new_status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (e ChangeEvent) Key() string {
	return e.AppointmentID.String() + ":" + e.NewStatus
}

// Type returns the outbox event type for e.
func (e ChangeEvent) Type() string {
	if e.OldStatus == "" {
		return EventAppointmentRequested
	}
	return EventAppointmentStatusChanged
}

// Publisher pushes change events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Fanout publishes to every wrapped publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev ChangeEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
