package alarm

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrInvalidTrigger = errors.New("invalid alarm trigger")

// TriggerUnit is the unit of an alarm offset.
type TriggerUnit byte

const (
	Minutes TriggerUnit = 'M'
	Hours   TriggerUnit = 'H'
	Days    TriggerUnit = 'D'
	Weeks   TriggerUnit = 'W'
)

// Trigger is how long before an event its alarm fires, e.g. "10M" or "1D".
type Trigger struct {
	Value int
	Unit  TriggerUnit
}

// ParseTrigger parses "<n><unit>" where unit is one of M, H, D or W.
func ParseTrigger(s string) (Trigger, error) {
	if len(s) < 2 {
		return Trigger{}, fmt.Errorf("%w: %q", ErrInvalidTrigger, s)
	}
	unit := TriggerUnit(s[len(s)-1])
	switch unit {
	case Minutes, Hours, Days, Weeks:
	default:
		return Trigger{}, fmt.Errorf("%w: %q", ErrInvalidTrigger, s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Trigger{}, fmt.Errorf("%w: %q", ErrInvalidTrigger, s)
	}
	return Trigger{Value: n, Unit: unit}, nil
}

func (t Trigger) String() string {
	return strconv.Itoa(t.Value) + string(t.Unit)
}

// Before returns the alarm time for an occurrence starting at start. Day and
// week offsets move by calendar days in start's location.
func (t Trigger) Before(start time.Time) time.Time {
	switch t.Unit {
	case Minutes:
		return start.Add(-time.Duration(t.Value) * time.Minute)
	case Hours:
		return start.Add(-time.Duration(t.Value) * time.Hour)
	case Days:
		return start.AddDate(0, 0, -t.Value)
	case Weeks:
		return start.AddDate(0, 0, -7*t.Value)
	}
	return start
}
