package alarm

import (
	"fmt"
	"time"
)

// Frequency is the repeat period of an event.
type Frequency int

const (
	Daily Frequency = iota
	Weekly
	Monthly
	Annually
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Annually:
		return "annually"
	}
	return fmt.Sprintf("frequency(%d)", int(f))
}

// EndType says when a repeating event stops.
type EndType int

const (
	EndNever EndType = iota
	EndCount
	EndUntil
)

// Repeat is a decrypted repeat rule.
type Repeat struct {
	Frequency Frequency
	Interval  int
	EndType   EndType
	// EndValue is an occurrence count for EndCount and a Unix millisecond
	// timestamp for EndUntil.
	EndValue int64
	TimeZone string
}

// Occurrence is one scheduled instance of an alarm.
type Occurrence struct {
	Index  int
	Start  time.Time
	FireAt time.Time
}

// maxIterations bounds the walk over past occurrences of a long-running
// repeating event.
const maxIterations = 100_000

// IsAllDay reports whether an event spanning start..end is an all-day event,
// which the server encodes as UTC midnight on both ends.
func IsAllDay(start, end time.Time) bool {
	return isUTCMidnight(start) && isUTCMidnight(end)
}

func isUTCMidnight(t time.Time) bool {
	u := t.UTC()
	return u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0
}

// localDate reinterprets the UTC calendar date of t as midnight in loc.
func localDate(t time.Time, loc *time.Location) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, loc)
}

// NotificationID returns the pending request ID for occurrence index of an
// alarm.
func NotificationID(alarmIdentifier string, repeating bool, index int) string {
	if !repeating {
		return alarmIdentifier
	}
	return fmt.Sprintf("%s#%d", alarmIdentifier, index)
}

// Occurrences returns up to limit occurrences of a whose alarm fires after
// now. loc is the local zone used for all-day events and for repeating
// events without a valid time zone.
func (a *Alarm) Occurrences(now time.Time, loc *time.Location, limit int) []Occurrence {
	if limit <= 0 {
		return nil
	}

	start := a.Start.In(loc)
	if a.AllDay {
		start = localDate(a.Start, loc)
	}

	if a.Repeat == nil {
		fireAt := a.Trigger.Before(start)
		if !fireAt.After(now) {
			return nil
		}
		return []Occurrence{{Index: 0, Start: start, FireAt: fireAt}}
	}

	r := a.Repeat
	if !a.AllDay && r.TimeZone != "" {
		if tz, err := time.LoadLocation(r.TimeZone); err == nil {
			start = a.Start.In(tz)
		}
	}
	interval := r.Interval
	if interval < 1 {
		interval = 1
	}

	var until time.Time
	if r.EndType == EndUntil {
		until = time.UnixMilli(r.EndValue)
		if a.AllDay {
			until = localDate(until, loc)
		}
	}

	var out []Occurrence
	for i := 0; i < maxIterations; i++ {
		if r.EndType == EndCount && int64(i) >= r.EndValue {
			break
		}
		occ := addPeriod(start, r.Frequency, i*interval)
		if r.EndType == EndUntil && !occ.Before(until) {
			break
		}
		fireAt := a.Trigger.Before(occ)
		if !fireAt.After(now) {
			continue
		}
		out = append(out, Occurrence{Index: i, Start: occ, FireAt: fireAt})
		if len(out) == limit {
			break
		}
	}
	return out
}

// addPeriod advances start by n periods, computed from start rather than
// from the previous occurrence. Month and year steps clamp the day to the
// end of the target month.
func addPeriod(start time.Time, f Frequency, n int) time.Time {
	switch f {
	case Daily:
		return start.AddDate(0, 0, n)
	case Weekly:
		return start.AddDate(0, 0, 7*n)
	case Monthly:
		return addMonthsClamped(start, n)
	case Annually:
		return addMonthsClamped(start, 12*n)
	}
	return start
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
