// Package cron runs scheduled jobs: recurring jobs described by crontab
// style field specs and one-shot jobs run at a fixed time.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrJobSchedule is returned for malformed recurrence specs.
var ErrJobSchedule = errors.New("cron: invalid schedule")

// Once is the minutes value of a job that must not be rescheduled.
const Once = "ONCE"

// Spec is a recurrence spec. Each field is "*" or a single integer.
// DayOfWeek is accepted and validated but does not affect scheduling.
type Spec struct {
	Minutes    string
	Hours      string
	DayOfMonth string
	Month      string
	DayOfWeek  string
}

// OnceSpec is the spec of a one-shot job.
var OnceSpec = Spec{Minutes: Once}

// ParseSpec parses the five crontab fields "min hour dom month dow",
// or the single word ONCE.
func ParseSpec(line string) (Spec, error) {
	fields := strings.Fields(line)
	if len(fields) == 1 && strings.EqualFold(fields[0], Once) {
		return OnceSpec, nil
	}
	if len(fields) != 5 {
		return Spec{}, fmt.Errorf("%w: %q: want 5 fields, got %d", ErrJobSchedule, line, len(fields))
	}
	s := Spec{fields[0], fields[1], fields[2], fields[3], fields[4]}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// IsOnce reports whether the spec describes a one-shot job.
func (s Spec) IsOnce() bool { return s.Minutes == Once }

// Validate checks every field against its range.
func (s Spec) Validate() error {
	if s.IsOnce() {
		return nil
	}
	checks := []struct {
		name     string
		val      string
		min, max int
	}{
		{"minute", s.Minutes, 0, 59},
		{"hour", s.Hours, 0, 23},
		{"day of month", s.DayOfMonth, 1, 31},
		{"month", s.Month, 1, 12},
		{"day of week", s.DayOfWeek, 0, 7},
	}
	for _, c := range checks {
		if _, err := field(c.val, c.min, c.max); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrJobSchedule, c.name, err)
		}
	}
	return nil
}

func (s Spec) String() string {
	if s.IsOnce() {
		return Once
	}
	return strings.Join([]string{s.Minutes, s.Hours, s.DayOfMonth, s.Month, s.DayOfWeek}, " ")
}

// field parses one spec field. A wildcard (or empty field) yields -1.
func field(v string, min, max int) (int, error) {
	if v == "" || v == "*" {
		return -1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number or *", v)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%d out of range [%d,%d]", n, min, max)
	}
	return n, nil
}

// NextRun returns the next execution time after start, or the zero time
// for a one-shot spec.
//
// The coarsest fixed field decides the roll-over: a fixed month that is
// not later than the current one moves to next year, a fixed day moves to
// next month, a fixed hour to the next day, a fixed minute to the next
// hour. With every field a wildcard the job runs at the next minute.
// Finer fields that are wildcards resolve to their lowest value and
// seconds are always zero.
func (s Spec) NextRun(start time.Time) time.Time {
	if s.IsOnce() {
		return time.Time{}
	}
	minute, _ := field(s.Minutes, 0, 59)
	hour, _ := field(s.Hours, 0, 23)
	mday, _ := field(s.DayOfMonth, 1, 31)
	month, _ := field(s.Month, 1, 12)

	year, mon, day := start.Date()
	h, m := start.Hour(), start.Minute()
	loc := start.Location()

	orZero := func(v int) int {
		if v > 0 {
			return v
		}
		return 0
	}

	switch {
	case month != -1:
		if time.Month(month) <= mon {
			year++
		}
		d := mday
		if d <= 0 {
			d = 1
		}
		return time.Date(year, time.Month(month), d, orZero(hour), orZero(minute), 0, 0, loc)

	case mday != -1:
		if mday <= day {
			mon++
		}
		return time.Date(year, mon, mday, orZero(hour), orZero(minute), 0, 0, loc)

	case hour != -1:
		if hour <= h {
			day++
		}
		return time.Date(year, mon, day, hour, orZero(minute), 0, 0, loc)

	case minute != -1:
		if minute <= m {
			h++
		}
		return time.Date(year, mon, day, h, minute, 0, 0, loc)

	default:
		return time.Date(year, mon, day, h, m+1, 0, 0, loc)
	}
}
