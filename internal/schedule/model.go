// Package schedule holds the medicine schedule model and the pure occurrence
// calculator that turns a recurring schedule into concrete firing instants.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSchedule is returned for a malformed time of day or an empty weekday set.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Weekdays is a set of time.Weekday values (bit i = weekday i, Sunday = 0).
type Weekdays uint8

// EveryDay contains all seven weekdays.
const EveryDay Weekdays = 1<<7 - 1

func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w = w.Add(d)
	}
	return w
}

func (w Weekdays) Add(d time.Weekday) Weekdays {
	if d < time.Sunday || d > time.Saturday {
		return w
	}
	return w | 1<<uint(d)
}

func (w Weekdays) Has(d time.Weekday) bool {
	if d < time.Sunday || d > time.Saturday {
		return false
	}
	return w&(1<<uint(d)) != 0
}

func (w Weekdays) Empty() bool { return w&EveryDay == 0 }

func (w Weekdays) Len() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Has(d) {
			n++
		}
	}
	return n
}

// String renders the set Monday-first ("Mon,Wed,Sun"), or "daily" for all seven days.
func (w Weekdays) String() string {
	if w&EveryDay == EveryDay {
		return "daily"
	}
	parts := make([]string, 0, 7)
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if w.Has(d) {
			parts = append(parts, d.String()[:3])
		}
	}
	return strings.Join(parts, ",")
}

// Schedule is a recurring local time of day on a set of weekdays.
type Schedule struct {
	Hour   int
	Minute int
	Days   Weekdays
}

// Validate reports why the schedule cannot produce occurrences.
func (s Schedule) Validate() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalidSchedule, s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidSchedule, s.Minute)
	}
	if s.Days.Empty() {
		return fmt.Errorf("%w: empty weekday set", ErrInvalidSchedule)
	}
	return nil
}

// Clock renders the time of day as HH:MM.
func (s Schedule) Clock() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

func (s Schedule) String() string {
	return s.Clock() + " " + s.Days.String()
}

// Medicine is read-only input for the reminder engine.
type Medicine struct {
	ID           string
	Name         string
	Dosage       string
	Instructions string
	Schedules    []Schedule
}
