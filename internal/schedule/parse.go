package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Times come from a form ("08:00") or from the CRUD backend, which stores a
// seconds suffix ("08:00:00").
var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})(?::(\d{2}))?\s*$`)

// ParseClock parses "HH:MM" or "HH:MM:SS" into hour and minute. Seconds are ignored.
func ParseClock(s string) (hour, minute int, err error) {
	m := reClock.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: time %q, expected HH:MM", ErrInvalidSchedule, s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalidSchedule, s)
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalidSchedule, s)
	}
	if m[3] != "" {
		if sec, _ := strconv.Atoi(m[3]); sec > 59 {
			return 0, 0, fmt.Errorf("%w: invalid second in %q", ErrInvalidSchedule, s)
		}
	}
	return hour, minute, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts English names, common abbreviations, 0-6 (Sunday = 0) and 7 (ISO Sunday).
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if d, ok := weekdayNames[v]; ok {
		return d, nil
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 7 {
		return time.Weekday(n % 7), nil
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidSchedule, s)
}

func ParseWeekdays(days []string) (Weekdays, error) {
	var w Weekdays
	for _, raw := range days {
		d, err := ParseWeekday(raw)
		if err != nil {
			return 0, err
		}
		w = w.Add(d)
	}
	return w, nil
}

// Parse builds a schedule from its wire form (time + weekday names) and validates it.
func Parse(clock string, days []string) (Schedule, error) {
	h, m, err := ParseClock(clock)
	if err != nil {
		return Schedule{}, err
	}
	w, err := ParseWeekdays(days)
	if err != nil {
		return Schedule{}, err
	}
	s := Schedule{Hour: h, Minute: m, Days: w}
	return s, s.Validate()
}
