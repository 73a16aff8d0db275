package schedule

import (
	"sort"
	"time"
)

// Conflicts returns the subset of existing that overlaps candidate, in
// chronological order. Callers pass only booked intervals of appointments
// that currently reserve calendar space.
func Conflicts(candidate Interval, existing []Interval) []Interval {
	var out []Interval
	for _, e := range existing {
		if candidate.Overlaps(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// nextStart returns the earliest start among existing that is strictly after
// t and on the same calendar date.
func nextStart(t time.Time, existing []Interval) (time.Time, bool) {
	day := Day(t)
	var (
		best  time.Time
		found bool
	)
	for _, e := range existing {
		if !e.Start.After(t) || !Day(e.Start).Equal(day) {
			continue
		}
		if !found || e.Start.Before(best) {
			best, found = e.Start, true
		}
	}
	return best, found
}
