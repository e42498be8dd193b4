package alarm

import (
	"bytes"
	"context"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/benaskins/alarmd/internal/aes128"
	"github.com/benaskins/alarmd/internal/keychain"
	"github.com/benaskins/alarmd/internal/notify"
)

var testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// event describes a plaintext alarm to encrypt into an AlarmNotification.
type event struct {
	id        string
	user      string
	summary   string
	trigger   string
	start     time.Time
	end       time.Time
	repeat    *repeatSpec
	op        Operation
	elementID string
}

type repeatSpec struct {
	frequency Frequency
	interval  int
	endType   EndType
	endValue  int64
	timeZone  string
}

type fixture struct {
	keys       *keychain.MemoryStore
	prefs      *MemoryPreferences
	center     *notify.MemoryCenter
	clock      clockwork.FakeClock
	pushKey    []byte
	sessionKey []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		keys:       keychain.NewMemoryStore(),
		prefs:      NewMemoryPreferences(),
		center:     notify.NewMemoryCenter(),
		clock:      clockwork.NewFakeClockAt(testNow),
		pushKey:    bytes.Repeat([]byte{0x11}, aes128.KeyLength),
		sessionKey: bytes.Repeat([]byte{0x22}, aes128.KeyLength),
	}
	if err := f.keys.StoreKey("elementId", f.pushKey); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	return f
}

func (f *fixture) manager(opts ...Option) *Manager {
	opts = append([]Option{WithClock(f.clock), WithLocation(time.UTC)}, opts...)
	return NewManager(f.prefs, f.keys, f.center, opts...)
}

// localCenter returns a LocalCenter on the fixture clock.
func (f *fixture) localCenter(t *testing.T, d notify.Deliverer, opts ...notify.Option) *notify.LocalCenter {
	t.Helper()
	opts = append([]notify.Option{notify.WithClock(f.clock), notify.WithRateLimit(rate.Inf, 1)}, opts...)
	c := notify.NewLocalCenter(d, opts...)
	t.Cleanup(c.Close)
	return c
}

type chanDeliverer struct {
	ch chan notify.Request
}

func newChanDeliverer() *chanDeliverer {
	return &chanDeliverer{ch: make(chan notify.Request, 64)}
}

func (d *chanDeliverer) Deliver(_ context.Context, req notify.Request) error {
	d.ch <- req
	return nil
}

func (d *chanDeliverer) wait(t *testing.T) notify.Request {
	t.Helper()
	select {
	case req := <-d.ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return notify.Request{}
	}
}

func (f *fixture) encrypt(t *testing.T, s string) string {
	t.Helper()
	enc, err := aes128.EncryptString(f.sessionKey, s)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	return enc
}

func (f *fixture) notification(t *testing.T, e event) AlarmNotification {
	t.Helper()
	if e.user == "" {
		e.user = "userId"
	}
	if e.summary == "" {
		e.summary = "summary"
	}
	if e.trigger == "" {
		e.trigger = "10M"
	}
	if e.start.IsZero() {
		e.start = testNow.Add(2 * time.Hour)
	}
	if e.end.IsZero() {
		e.end = e.start.Add(time.Hour)
	}
	if e.op == "" {
		e.op = OperationCreate
	}
	if e.elementID == "" {
		e.elementID = "elementId"
	}

	encSessionKey, err := aes128.EncryptKey(f.pushKey, f.sessionKey)
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}

	n := AlarmNotification{
		Operation:  e.op,
		Summary:    f.encrypt(t, e.summary),
		EventStart: f.encrypt(t, strconv.FormatInt(e.start.UnixMilli(), 10)),
		EventEnd:   f.encrypt(t, strconv.FormatInt(e.end.UnixMilli(), 10)),
		AlarmInfo: AlarmInfo{
			AlarmIdentifier: e.id,
			Trigger:         f.encrypt(t, e.trigger),
		},
		NotificationSessionKeys: []NotificationSessionKey{{
			PushIdentifier:                     IDTuple{ListID: "listId", ElementID: e.elementID},
			PushIdentifierSessionEncSessionKey: base64.StdEncoding.EncodeToString(encSessionKey),
		}},
		User: e.user,
	}
	if r := e.repeat; r != nil {
		n.RepeatRule = &RepeatRule{
			Frequency: f.encrypt(t, strconv.Itoa(int(r.frequency))),
			Interval:  f.encrypt(t, strconv.Itoa(r.interval)),
			EndType:   f.encrypt(t, strconv.Itoa(int(r.endType))),
			TimeZone:  f.encrypt(t, r.timeZone),
		}
		if r.endType != EndNever {
			n.RepeatRule.EndValue = f.encrypt(t, strconv.FormatInt(r.endValue, 10))
		}
	}
	return n
}

type fakeFetcher struct {
	result  *MissedNotification
	err     error
	calls   int
	lastIDs []string
	infos   []SSEInfo
}

func (f *fakeFetcher) FetchMissed(_ context.Context, info SSEInfo, lastProcessedID string) (*MissedNotification, error) {
	f.calls++
	f.lastIDs = append(f.lastIDs, lastProcessedID)
	f.infos = append(f.infos, info)
	return f.result, f.err
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
