package alarm

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/benaskins/alarmd/internal/notify"
)

func daily() *repeatSpec {
	return &repeatSpec{frequency: Daily, interval: 1, endType: EndNever, timeZone: "UTC"}
}

func TestRunRefillsRepeatingAlarms(t *testing.T) {
	f := newFixture(t)
	d := newChanDeliverer()
	center := f.localCenter(t, d)
	m := NewManager(f.prefs, f.keys, center, WithClock(f.clock), WithLocation(time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
	})

	n := f.notification(t, event{id: "daily", start: utc(2026, 3, 1, 10, 0), repeat: daily()})
	if err := m.ScheduleAlarms(ctx, &MissedNotification{AlarmNotifications: []AlarmNotification{n}}); err != nil {
		t.Fatalf("ScheduleAlarms: %v", err)
	}
	if got := len(center.Pending()); got != DefaultOccurrencesAhead {
		t.Fatalf("expected %d pending, got %d", DefaultOccurrencesAhead, got)
	}

	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	// Every pending occurrence plus the refill ticker.
	f.clock.BlockUntil(DefaultOccurrencesAhead + 1)

	const days = DefaultOccurrencesAhead + 6
	for day := range days {
		f.clock.Advance(24 * time.Hour)
		want := fmt.Sprintf("daily#%d", day)
		if got := d.wait(t); got.ID != want {
			t.Fatalf("day %d: expected %s, got %s", day, want, got.ID)
		}
	}

	pending := center.Pending()
	if len(pending) == 0 {
		t.Fatalf("expected occurrences pending after %d days", days)
	}
	if !pending[0].FireAt.After(f.clock.Now()) {
		t.Errorf("expected next occurrence in the future, got %v", pending[0].FireAt)
	}

	alarms, err := m.Alarms(context.Background())
	if err != nil {
		t.Fatalf("Alarms: %v", err)
	}
	if len(alarms) != 1 || alarms[0].NextFireAt == nil || !alarms[0].NextFireAt.Equal(pending[0].FireAt) {
		t.Errorf("expected listing to agree with pending %v, got %+v", pending[0].FireAt, alarms)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	m := f.manager()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	f.clock.BlockUntil(1)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFullCenterKeepsSoonestOccurrences(t *testing.T) {
	f := newFixture(t)
	center := f.localCenter(t, newChanDeliverer())
	m := NewManager(f.prefs, f.keys, center, WithClock(f.clock), WithLocation(time.UTC))
	ctx := context.Background()

	// Three daily alarms need more slots than the center has.
	var notifications []AlarmNotification
	for _, id := range []string{"a1", "a2", "a3"} {
		notifications = append(notifications, f.notification(t, event{id: id, start: testNow.Add(20 * time.Hour), repeat: daily()}))
	}
	if err := m.ScheduleAlarms(ctx, &MissedNotification{AlarmNotifications: notifications}); err != nil {
		t.Fatalf("ScheduleAlarms: %v", err)
	}
	if got := len(center.Pending()); got != notify.DefaultMaxPending {
		t.Fatalf("expected a full center, got %d pending", got)
	}

	soon := f.notification(t, event{id: "soon", start: testNow.Add(time.Hour)})
	if err := m.ScheduleAlarms(ctx, &MissedNotification{AlarmNotifications: []AlarmNotification{soon}}); err != nil {
		t.Fatalf("ScheduleAlarms: %v", err)
	}

	pending := center.Pending()
	if len(pending) != notify.DefaultMaxPending {
		t.Fatalf("expected %d pending, got %d", notify.DefaultMaxPending, len(pending))
	}
	if pending[0].ID != "soon" {
		t.Errorf("expected soon to fire first, got %s", pending[0].ID)
	}
	ids := make([]string, 0, len(pending))
	for _, req := range pending {
		ids = append(ids, req.ID)
	}
	for _, id := range []string{"a1#0", "a2#0", "a3#0"} {
		if !slices.Contains(ids, id) {
			t.Errorf("expected %s pending", id)
		}
	}
}
