package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	fsync "filesyncd/internal/sync"
)

// Spec is a parsed schedule.
type Spec struct {
	Type    fsync.ScheduleType
	Every   time.Duration
	Hour    int
	Minute  int
	Weekday time.Weekday
	Day     int
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// Parse validates a configuration schedule. Values are minutes for
// interval, "HH:MM" for daily and custom, "monday,HH:MM" for weekly and
// "15,HH:MM" for monthly.
func Parse(s fsync.Schedule) (Spec, error) {
	sp := Spec{Type: s.Type}
	value := strings.TrimSpace(s.Value)
	bad := func(format string, args ...any) (Spec, error) {
		return Spec{}, fmt.Errorf("%w: %s %q: %s", fsync.ErrInvalidSchedule, s.Type, s.Value, fmt.Sprintf(format, args...))
	}

	switch s.Type {
	case fsync.ScheduleInterval:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return bad("want a positive number of minutes")
		}
		sp.Every = time.Duration(n) * time.Minute
		return sp, nil

	case fsync.ScheduleDaily, fsync.ScheduleCustom:
		h, m, err := parseClock(value)
		if err != nil {
			return bad("%v", err)
		}
		sp.Hour, sp.Minute = h, m
		return sp, nil

	case fsync.ScheduleWeekly:
		day, clock, ok := strings.Cut(value, ",")
		if !ok {
			return bad("want day,HH:MM")
		}
		wd, known := weekdays[strings.ToLower(strings.TrimSpace(day))]
		if !known {
			return bad("unknown weekday %q", day)
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return bad("%v", err)
		}
		sp.Weekday, sp.Hour, sp.Minute = wd, h, m
		return sp, nil

	case fsync.ScheduleMonthly:
		day, clock, ok := strings.Cut(value, ",")
		if !ok {
			return bad("want day_of_month,HH:MM")
		}
		d, err := strconv.Atoi(strings.TrimSpace(day))
		if err != nil || d < 1 || d > 31 {
			return bad("day of month must be 1-31")
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return bad("%v", err)
		}
		sp.Day, sp.Hour, sp.Minute = d, h, m
		return sp, nil
	}
	return bad("unknown schedule type")
}

func parseClock(v string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("want HH:MM")
	}
	return t.Hour(), t.Minute(), nil
}

// Matches reports whether t falls in a minute the calendar schedule fires
// in. Interval schedules never match; they run off their next-run time.
func (sp Spec) Matches(t time.Time) bool {
	if sp.Type == fsync.ScheduleInterval {
		return false
	}
	if t.Hour() != sp.Hour || t.Minute() != sp.Minute {
		return false
	}
	return sp.dayMatches(t)
}

func (sp Spec) dayMatches(t time.Time) bool {
	switch sp.Type {
	case fsync.ScheduleWeekly:
		return t.Weekday() == sp.Weekday
	case fsync.ScheduleMonthly:
		return t.Day() == sp.Day
	}
	return true
}

// Next returns the first fire time strictly after `after`. Monthly
// schedules on a day a month lacks skip that month.
func (sp Spec) Next(after time.Time) time.Time {
	if sp.Type == fsync.ScheduleInterval {
		return after.Add(sp.Every)
	}
	y, mo, d := after.Date()
	for i := 0; i <= 366; i++ {
		c := time.Date(y, mo, d+i, sp.Hour, sp.Minute, 0, 0, after.Location())
		if c.After(after) && sp.dayMatches(c) {
			return c
		}
	}
	return time.Time{}
}
