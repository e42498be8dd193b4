package alarm

import (
	"errors"
	"testing"
	"time"
)

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		in   string
		want Trigger
	}{
		{"5M", Trigger{5, Minutes}},
		{"10M", Trigger{10, Minutes}},
		{"30M", Trigger{30, Minutes}},
		{"1H", Trigger{1, Hours}},
		{"1D", Trigger{1, Days}},
		{"2D", Trigger{2, Days}},
		{"3D", Trigger{3, Days}},
		{"1W", Trigger{1, Weeks}},
		{"45M", Trigger{45, Minutes}},
	}
	for _, tt := range tests {
		got, err := ParseTrigger(tt.in)
		if err != nil {
			t.Errorf("ParseTrigger(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTrigger(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestParseTriggerInvalid(t *testing.T) {
	for _, in := range []string{"", "M", "10", "10X", "0M", "-5M", "aM"} {
		if _, err := ParseTrigger(in); !errors.Is(err, ErrInvalidTrigger) {
			t.Errorf("ParseTrigger(%q): expected ErrInvalidTrigger, got %v", in, err)
		}
	}
}

func TestTriggerBefore(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	if got := (Trigger{10, Minutes}).Before(start); !got.Equal(start.Add(-10 * time.Minute)) {
		t.Errorf("10M: got %v", got)
	}
	if got := (Trigger{1, Hours}).Before(start); !got.Equal(start.Add(-time.Hour)) {
		t.Errorf("1H: got %v", got)
	}
	if got := (Trigger{1, Weeks}).Before(start); !got.Equal(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("1W: got %v", got)
	}
}

func TestTriggerDaysAreCalendarDays(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	// Clocks go forward at 02:00 on 2026-03-29 in Berlin, so the day
	// before 10:00 that morning is 23 hours long.
	start := time.Date(2026, 3, 29, 10, 0, 0, 0, berlin)
	got := (Trigger{1, Days}).Before(start)

	want := time.Date(2026, 3, 28, 10, 0, 0, 0, berlin)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if d := start.Sub(got); d != 23*time.Hour {
		t.Errorf("expected 23h offset across DST, got %v", d)
	}
}
