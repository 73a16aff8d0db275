package schedule

import (
	"fmt"
	"strings"
	"time"
)

const DefaultMinDuration = 60 * time.Minute

// Reason identifies why a candidate interval was rejected.
type Reason string

const (
	ReasonInvalidInterval          Reason = "invalid_interval"
	ReasonNoAvailability           Reason = "no_availability"
	ReasonOutsideWindow            Reason = "outside_window"
	ReasonTooShortBeforeClose      Reason = "too_short_before_close"
	ReasonOverlap                  Reason = "overlap"
	ReasonInsufficientBufferToNext Reason = "insufficient_buffer_to_next"
)

// Rejection is returned by Validate when a candidate is not bookable. It
// carries enough detail for a caller to suggest a corrected time.
type Rejection struct {
	Reason      Reason     `json:"reason"`
	Message     string     `json:"message"`
	LatestStart *time.Time `json:"latest_start,omitempty"`
	Conflicting []Interval `json:"conflicting,omitempty"`
	Windows     []Interval `json:"windows,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

// Validator applies the booking rules to a candidate interval.
type Validator struct {
	MinDuration time.Duration
}

func NewValidator(minDuration time.Duration) Validator {
	if minDuration <= 0 {
		minDuration = DefaultMinDuration
	}
	return Validator{MinDuration: minDuration}
}

// Validate checks candidate against the provider's resolved windows for the
// candidate's date and the booked intervals competing for the same provider.
// It returns nil or a *Rejection. The first failing rule wins, in this order:
// no availability, outside window, too short before close, overlap, and
// insufficient room before the next booking.
func (v Validator) Validate(windows []Interval, candidate Interval, booked []Interval) error {
	if !candidate.Valid() {
		return &Rejection{
			Reason:  ReasonInvalidInterval,
			Message: fmt.Sprintf("end %s must be after start %s", candidate.End.Format(time.DateTime), candidate.Start.Format(time.DateTime)),
		}
	}

	day := Day(candidate.Start)
	if len(windows) == 0 {
		return &Rejection{
			Reason:  ReasonNoAvailability,
			Message: fmt.Sprintf("provider is not available on %s", day.Format("Monday 2006-01-02")),
		}
	}

	window, ok := containing(windows, candidate.Start)
	if !ok {
		return &Rejection{
			Reason:  ReasonOutsideWindow,
			Message: fmt.Sprintf("start %s is outside provider hours %s", candidate.Start.Format("15:04"), joinIntervals(windows)),
			Windows: windows,
		}
	}

	required := v.required(candidate)
	if candidate.Start.Add(required).After(window.End) {
		latest := window.End.Add(-required)
		msg := fmt.Sprintf("provider hours end at %s, latest start for a %s appointment is %s",
			window.End.Format("15:04"), formatDuration(required), latest.Format("15:04"))
		if latest.Before(window.Start) {
			msg = fmt.Sprintf("window %s is too short for a %s appointment", window, formatDuration(required))
		}
		return &Rejection{
			Reason:      ReasonTooShortBeforeClose,
			Message:     msg,
			LatestStart: &latest,
			Windows:     []Interval{window},
		}
	}

	if conflicts := Conflicts(candidate, booked); len(conflicts) > 0 {
		return &Rejection{
			Reason:      ReasonOverlap,
			Message:     fmt.Sprintf("requested time %s overlaps booked appointment %s", candidate, joinIntervals(conflicts)),
			Conflicting: conflicts,
		}
	}

	if next, ok := nextStart(candidate.Start, booked); ok && candidate.Start.Add(required).After(next) {
		latest := next.Add(-required)
		return &Rejection{
			Reason: ReasonInsufficientBufferToNext,
			Message: fmt.Sprintf("next appointment starts at %s, latest start keeping %s is %s",
				next.Format("15:04"), formatDuration(required), latest.Format("15:04")),
			LatestStart: &latest,
		}
	}

	return nil
}

// required is the span the candidate must be able to occupy: the longer of
// the minimum duration and the candidate's own length.
func (v Validator) required(candidate Interval) time.Duration {
	min := v.MinDuration
	if min <= 0 {
		min = DefaultMinDuration
	}
	if d := candidate.Duration(); d > min {
		return d
	}
	return min
}

func containing(windows []Interval, t time.Time) (Interval, bool) {
	for _, w := range windows {
		if w.Contains(t) {
			return w, true
		}
	}
	return Interval{}, false
}

func joinIntervals(in []Interval) string {
	parts := make([]string, len(in))
	for i, iv := range in {
		parts[i] = iv.String()
	}
	return strings.Join(parts, ", ")
}

func formatDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return fmt.Sprintf("%dmin", int(d/time.Minute))
}
