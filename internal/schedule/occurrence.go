package schedule

import (
	"fmt"
	"time"
)

// scanDays covers today plus a full week, so any non-empty weekday set matches
// even when today's slot has already passed.
const scanDays = 8

// NextOccurrence returns the first instant strictly after ref at which s fires,
// evaluated in ref's location.
//
// Candidates are built from calendar date + wall clock (time.Date), never by
// adding fixed durations to ref, so daylight-saving transitions keep the
// reminder at the same local time.
func NextOccurrence(s Schedule, ref time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	loc := ref.Location()
	y, m, d := ref.Date()
	for i := 0; i < scanDays; i++ {
		c := time.Date(y, m, d+i, s.Hour, s.Minute, 0, 0, loc)
		if c.After(ref) && s.Days.Has(c.Weekday()) {
			return c, nil
		}
	}
	// unreachable for a validated schedule
	return time.Time{}, fmt.Errorf("%w: no occurrence within %d days of %s", ErrInvalidSchedule, scanDays, ref.Format(time.RFC3339))
}

// Upcoming returns the next n occurrences, each computed from the previous one.
func Upcoming(s Schedule, ref time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	cur := ref
	for i := 0; i < n; i++ {
		next, err := NextOccurrence(s, cur)
		if err != nil {
			return out, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}
