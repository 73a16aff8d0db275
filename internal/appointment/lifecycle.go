package appointment

import (
	"fmt"
	"slices"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// rule describes who may take one edge of the lifecycle graph.
type rule struct {
	roles []Role
}

var (
	providerSide = rule{roles: []Role{RoleProvider, RoleStaff}}
	patientOnly  = rule{roles: []Role{RolePatient}}
	staffOnly    = rule{roles: []Role{RoleStaff}}
)

// transitions is the complete lifecycle graph. Anything not listed is illegal.
// Ongoing cannot be cancelled: once a consultation has started it can only
// complete.
var transitions = map[AppointmentStatus]map[AppointmentStatus]rule{
	StatusRequested: {
		StatusProposed: providerSide,
		StatusRejected: providerSide,
	},
	StatusProposed: {
		StatusBooked:    patientOnly,
		StatusCancelled: providerSide,
	},
	StatusBooked: {
		StatusArrived:   staffOnly,
		StatusCancelled: staffOnly,
	},
	StatusArrived: {
		StatusOngoing:   staffOnly,
		StatusCancelled: staffOnly,
	},
	StatusOngoing: {
		StatusCompleted: staffOnly,
	},
	StatusCompleted: {},
	StatusRejected:  {},
	StatusCancelled: {},
}

var defaultNotes = map[AppointmentStatus]string{
	StatusRequested: "Appointment requested by patient",
	StatusProposed:  "Provider proposed an appointment time",
	StatusBooked:    "Appointment time confirmed by patient",
	StatusArrived:   "Patient checked in",
	StatusOngoing:   "Consultation started",
	StatusCompleted: "Consultation completed",
	StatusRejected:  "Appointment request rejected",
	StatusCancelled: "Appointment cancelled",
}

// DefaultNote is the system note recorded when an appointment enters s.
func DefaultNote(s AppointmentStatus) string {
	return defaultNotes[s]
}

// NextStatuses lists the statuses reachable from s in one step.
func NextStatuses(s AppointmentStatus) []AppointmentStatus {
	var out []AppointmentStatus
	for _, st := range allStatuses {
		if _, ok := transitions[s][st]; ok {
			out = append(out, st)
		}
	}
	return out
}

// AssignsTime reports whether entering s commits a concrete interval that
// must pass slot validation.
func AssignsTime(s AppointmentStatus) bool {
	return s == StatusProposed || s == StatusBooked
}

// CanTransition checks the edge from -> to exists and role may take it.
func CanTransition(from, to AppointmentStatus, role Role) error {
	r, ok := transitions[from][to]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if !slices.Contains(r.roles, role) {
		return fmt.Errorf("%w: %s -> %s not allowed for %s", ErrIllegalTransition, from, to, role)
	}
	return nil
}

// authorize ties patient and provider actors to their own appointments.
func authorize(a *Appointment, actor Actor) error {
	switch actor.Role {
	case RolePatient:
		if actor.ID != a.PatientID {
			return fmt.Errorf("%w: patient %s does not own appointment %s", ErrIllegalTransition, actor.ID, a.ID)
		}
	case RoleProvider:
		if actor.ID != a.ProviderID {
			return fmt.Errorf("%w: provider %s is not assigned to appointment %s", ErrIllegalTransition, actor.ID, a.ID)
		}
	case RoleStaff:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrIllegalTransition, actor.Role)
	}
	return nil
}

// targetInterval returns the interval a transition into to assigns, or nil
// when to leaves the appointment's times alone. Entering Proposed uses the
// counter-offer when one is given and re-affirms the requested time
// otherwise; entering Booked confirms the proposed time and takes no counter.
func targetInterval(a *Appointment, to AppointmentStatus, counter *schedule.Interval) (*schedule.Interval, error) {
	switch to {
	case StatusProposed:
		if counter != nil {
			iv := *counter
			return &iv, nil
		}
		iv := a.Requested
		return &iv, nil
	case StatusBooked:
		if counter != nil {
			return nil, fmt.Errorf("%w: booking confirms the proposed time and does not take a new one", ErrInvalidRequest)
		}
		if a.Proposed == nil {
			return nil, fmt.Errorf("%w: appointment %s has no proposed time", ErrIllegalTransition, a.ID)
		}
		iv := *a.Proposed
		return &iv, nil
	}
	if counter != nil {
		return nil, fmt.Errorf("%w: entering %s does not take a time", ErrInvalidRequest, to)
	}
	return nil, nil
}

// advance applies a legal transition to a copy of a and builds its history
// entry. assigned is the interval returned by targetInterval.
func advance(a Appointment, to AppointmentStatus, actor Actor, assigned *schedule.Interval, feedback *string, now time.Time) (Appointment, HistoryEntry) {
	switch to {
	case StatusProposed:
		a.Proposed = assigned
	case StatusBooked:
		a.Booked = assigned
	}
	a.Status = to
	a.UpdatedAt = now

	related := a.CalendarInterval()
	if assigned != nil {
		related = *assigned
	}

	entry := HistoryEntry{
		AppointmentID: a.ID,
		Status:        to,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		Note:          DefaultNote(to),
		Feedback:      feedback,
		RelatedStart:  &related.Start,
		RelatedEnd:    &related.End,
		CreatedAt:     now,
	}
	return a, entry
}
