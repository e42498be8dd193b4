package alarm

import (
	"context"
	"time"
)

// Preferences persists the manager's state between runs.
type Preferences interface {
	// SSEInfo returns nil when no push identifier is registered.
	SSEInfo(ctx context.Context) (*SSEInfo, error)
	StoreSSEInfo(ctx context.Context, info SSEInfo) error

	AlarmNotifications(ctx context.Context) ([]AlarmNotification, error)
	// SaveAlarmNotification inserts or replaces by alarm identifier.
	SaveAlarmNotification(ctx context.Context, n AlarmNotification) error
	DeleteAlarmNotification(ctx context.Context, alarmIdentifier string) error
	DeleteUserAlarmNotifications(ctx context.Context, userID string) error

	LastProcessedNotificationID(ctx context.Context) (string, error)
	SetLastProcessedNotificationID(ctx context.Context, id string) error

	// LastMissedNotificationCheckTime returns the zero time if never set.
	LastMissedNotificationCheckTime(ctx context.Context) (time.Time, error)
	SetLastMissedNotificationCheckTime(ctx context.Context, t time.Time) error
}

// Fetcher retrieves notifications missed since lastProcessedID. It returns
// (nil, nil) when nothing was missed.
type Fetcher interface {
	FetchMissed(ctx context.Context, info SSEInfo, lastProcessedID string) (*MissedNotification, error)
}
