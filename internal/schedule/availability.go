package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidWindow = errors.New("availability window start must be before end")

// Window is a recurring weekly interval during which a provider accepts bookings.
type Window struct {
	ProviderID uuid.UUID    `json:"provider_id"`
	Weekday    time.Weekday `json:"weekday"`
	Start      Clock        `json:"start"`
	End        Clock        `json:"end"`
}

func (w Window) Validate() error {
	if w.Weekday < time.Sunday || w.Weekday > time.Saturday {
		return fmt.Errorf("invalid weekday %d", w.Weekday)
	}
	if w.Start >= w.End {
		return fmt.Errorf("%w: %s-%s", ErrInvalidWindow, w.Start, w.End)
	}
	return nil
}

// Resolve materializes the windows that apply to date's weekday as concrete
// intervals on that date. Overlapping or touching windows are merged, so the
// result is sorted and pairwise disjoint. An empty result means a day off.
func Resolve(windows []Window, date time.Time) []Interval {
	day := Day(date)

	var out []Interval
	for _, w := range windows {
		if w.Weekday != day.Weekday() || w.Start >= w.End {
			continue
		}
		out = append(out, Interval{Start: w.Start.On(day), End: w.End.On(day)})
	}
	return merge(out)
}

func merge(in []Interval) []Interval {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Start.Before(in[j].Start) })

	out := []Interval{in[0]}
	for _, iv := range in[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Free subtracts the booked intervals from the open windows.
func Free(open, booked []Interval) []Interval {
	var out []Interval
	for _, w := range open {
		pieces := []Interval{w}
		for _, b := range booked {
			var next []Interval
			for _, p := range pieces {
				if !p.Overlaps(b) {
					next = append(next, p)
					continue
				}
				if p.Start.Before(b.Start) {
					next = append(next, Interval{Start: p.Start, End: b.Start})
				}
				if b.End.Before(p.End) {
					next = append(next, Interval{Start: b.End, End: p.End})
				}
			}
			pieces = next
		}
		out = append(out, pieces...)
	}
	return merge(out)
}

// AvailabilitySource supplies a provider's weekly windows.
type AvailabilitySource interface {
	GetAvailability(ctx context.Context, providerID uuid.UUID) ([]Window, error)
}

// Resolver looks up a provider's windows and resolves them for a date.
type Resolver struct {
	source AvailabilitySource
}

func NewResolver(source AvailabilitySource) *Resolver {
	return &Resolver{source: source}
}

func (r *Resolver) Resolve(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Interval, error) {
	windows, err := r.source.GetAvailability(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	return Resolve(windows, date), nil
}
