// Package recurrence computes the next trigger instant of a scheduled task.
//
// Rules are short strings: "minutes:N", "hours:N" (also "every N minutes",
// "every N hours"), "daily", "weekly", "monthly" and "cron:<expr>". An empty
// or unrecognized rule means the task fires once.
package recurrence

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// maxCatchUp bounds the loop in Advance for very old triggers.
const maxCatchUp = 100000

// Next returns the trigger following from, evaluated in loc. The second
// result is false when the rule yields no further trigger.
func Next(rule string, from time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	rule = strings.ToLower(strings.TrimSpace(rule))
	switch rule {
	case "", "none", "once", "null":
		return time.Time{}, false
	case "daily":
		return addCalendar(from, loc, 0, 0, 1), true
	case "weekly":
		return addCalendar(from, loc, 0, 0, 7), true
	case "monthly":
		return addMonth(from, loc), true
	}

	if expr, ok := strings.CutPrefix(rule, "cron:"); ok {
		sched, err := cron.ParseStandard(strings.TrimSpace(expr))
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	}

	unit, n, ok := parseInterval(rule)
	if !ok {
		return time.Time{}, false
	}
	return from.Add(time.Duration(n) * unit), true
}

// Advance steps the rule from the current trigger until the result lies
// after now, collapsing missed occurrences into one firing. A recognized
// rule always yields a next trigger: fixed intervals are computed in one
// step and calendar or cron rules past maxCatchUp restart from now.
func Advance(rule string, from, now time.Time, loc *time.Location) (time.Time, bool) {
	next, ok := Next(rule, from, loc)
	if !ok || next.After(now) {
		return next, ok
	}
	if unit, n, fixed := parseInterval(strings.ToLower(strings.TrimSpace(rule))); fixed {
		step := time.Duration(n) * unit
		k := now.Sub(from)/step + 1
		return from.Add(k * step), true
	}
	for i := 0; !next.After(now); i++ {
		if i >= maxCatchUp {
			return Next(rule, now, loc)
		}
		if next, ok = Next(rule, next, loc); !ok {
			return Next(rule, now, loc)
		}
	}
	return next, true
}

// Valid reports whether rule is a recognized recurrence or an explicit one-shot.
func Valid(rule string) bool {
	rule = strings.ToLower(strings.TrimSpace(rule))
	switch rule {
	case "", "none", "once", "null", "daily", "weekly", "monthly":
		return true
	}
	if expr, ok := strings.CutPrefix(rule, "cron:"); ok {
		_, err := cron.ParseStandard(strings.TrimSpace(expr))
		return err == nil
	}
	_, _, ok := parseInterval(rule)
	return ok
}

func parseInterval(rule string) (time.Duration, int, bool) {
	var unit, count string
	if u, c, ok := strings.Cut(rule, ":"); ok {
		unit, count = u, c
	} else if fields := strings.Fields(rule); len(fields) == 3 && fields[0] == "every" {
		count, unit = fields[1], fields[2]
	} else {
		return 0, 0, false
	}

	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return 0, 0, false
	}
	switch strings.TrimSpace(unit) {
	case "minute", "minutes":
		return time.Minute, n, true
	case "hour", "hours":
		return time.Hour, n, true
	}
	return 0, 0, false
}

func addCalendar(from time.Time, loc *time.Location, years, months, days int) time.Time {
	t := from.In(loc)
	y, m, d := t.Date()
	return time.Date(y+years, m+time.Month(months), d+days, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// addMonth keeps the day of month, clamping to the last day of shorter months.
func addMonth(from time.Time, loc *time.Location) time.Time {
	t := from.In(loc)
	y, m, d := t.Date()
	last := time.Date(y, m+2, 0, 0, 0, 0, 0, loc).Day()
	if d > last {
		d = last
	}
	return time.Date(y, m+1, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
