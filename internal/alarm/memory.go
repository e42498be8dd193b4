package alarm

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryPreferences is an in-memory Preferences for testing.
type MemoryPreferences struct {
	mu            sync.Mutex
	sseInfo       *SSEInfo
	alarms        []AlarmNotification
	lastProcessed string
	lastCheck     time.Time
}

// NewMemoryPreferences creates empty preferences.
func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{}
}

func (p *MemoryPreferences) SSEInfo(_ context.Context) (*SSEInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sseInfo == nil {
		return nil, nil
	}
	cp := *p.sseInfo
	cp.UserIDs = slices.Clone(p.sseInfo.UserIDs)
	return &cp, nil
}

func (p *MemoryPreferences) StoreSSEInfo(_ context.Context, info SSEInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info.UserIDs = slices.Clone(info.UserIDs)
	p.sseInfo = &info
	return nil
}

func (p *MemoryPreferences) AlarmNotifications(_ context.Context) ([]AlarmNotification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.alarms), nil
}

func (p *MemoryPreferences) SaveAlarmNotification(_ context.Context, n AlarmNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.alarms {
		if p.alarms[i].Identifier() == n.Identifier() {
			p.alarms[i] = n
			return nil
		}
	}
	p.alarms = append(p.alarms, n)
	return nil
}

func (p *MemoryPreferences) DeleteAlarmNotification(_ context.Context, alarmIdentifier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alarms = slices.DeleteFunc(p.alarms, func(n AlarmNotification) bool {
		return n.Identifier() == alarmIdentifier
	})
	return nil
}

func (p *MemoryPreferences) DeleteUserAlarmNotifications(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alarms = slices.DeleteFunc(p.alarms, func(n AlarmNotification) bool {
		return n.User == userID
	})
	return nil
}

func (p *MemoryPreferences) LastProcessedNotificationID(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProcessed, nil
}

func (p *MemoryPreferences) SetLastProcessedNotificationID(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastProcessed = id
	return nil
}

func (p *MemoryPreferences) LastMissedNotificationCheckTime(_ context.Context) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCheck, nil
}

func (p *MemoryPreferences) SetLastMissedNotificationCheckTime(_ context.Context, t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCheck = t
	return nil
}
