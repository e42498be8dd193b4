package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benaskins/alarmd/internal/alarm"
)

// Compile-time interface satisfaction check.
var _ alarm.Preferences = (*Store)(nil)

const (
	keyLastProcessedNotificationID     = "last_processed_notification_id"
	keyLastMissedNotificationCheckTime = "last_missed_notification_check_time"
)

// Store is the SQLite implementation of alarm.Preferences.
type Store struct {
	db *DB
}

// NewStore creates a Store backed by db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// SSEInfo returns the registration, or (nil, nil) if none is stored.
func (s *Store) SSEInfo(ctx context.Context) (*alarm.SSEInfo, error) {
	const query = `SELECT push_identifier, sse_origin, user_ids FROM sse_info WHERE id = 1`

	var info alarm.SSEInfo
	var userIDs string
	err := s.db.Reader.QueryRowContext(ctx, query).Scan(&info.PushIdentifier, &info.SSEOrigin, &userIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sse info: %w", err)
	}
	if err := json.Unmarshal([]byte(userIDs), &info.UserIDs); err != nil {
		return nil, fmt.Errorf("decode sse user ids: %w", err)
	}
	return &info, nil
}

// StoreSSEInfo replaces the registration.
func (s *Store) StoreSSEInfo(ctx context.Context, info alarm.SSEInfo) error {
	const query = `
		INSERT INTO sse_info (id, push_identifier, sse_origin, user_ids, updated_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			push_identifier = excluded.push_identifier,
			sse_origin = excluded.sse_origin,
			user_ids = excluded.user_ids,
			updated_at = excluded.updated_at
	`

	userIDs := info.UserIDs
	if userIDs == nil {
		userIDs = []string{}
	}
	encoded, err := json.Marshal(userIDs)
	if err != nil {
		return fmt.Errorf("encode sse user ids: %w", err)
	}

	if _, err := s.db.Writer.ExecContext(ctx, query, info.PushIdentifier, info.SSEOrigin, string(encoded)); err != nil {
		return fmt.Errorf("store sse info: %w", err)
	}
	return nil
}

// AlarmNotifications returns all stored alarms ordered by creation.
func (s *Store) AlarmNotifications(ctx context.Context) ([]alarm.AlarmNotification, error) {
	const query = `SELECT alarm_identifier, payload FROM alarm_notifications ORDER BY created_at, alarm_identifier`

	rows, err := s.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list alarm notifications: %w", err)
	}
	defer rows.Close()

	var out []alarm.AlarmNotification
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan alarm notification: %w", err)
		}
		var n alarm.AlarmNotification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			return nil, fmt.Errorf("decode alarm notification %s: %w", id, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alarm notifications: %w", err)
	}
	return out, nil
}

// SaveAlarmNotification inserts or replaces an alarm by identifier.
func (s *Store) SaveAlarmNotification(ctx context.Context, n alarm.AlarmNotification) error {
	const query = `
		INSERT INTO alarm_notifications (alarm_identifier, user_id, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(alarm_identifier) DO UPDATE SET
			user_id = excluded.user_id,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`

	if n.Identifier() == "" {
		return fmt.Errorf("save alarm notification: missing alarm identifier")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode alarm notification %s: %w", n.Identifier(), err)
	}
	if _, err := s.db.Writer.ExecContext(ctx, query, n.Identifier(), n.User, string(payload)); err != nil {
		return fmt.Errorf("save alarm notification %s: %w", n.Identifier(), err)
	}
	return nil
}

// DeleteAlarmNotification removes one alarm. Unknown identifiers are ignored.
func (s *Store) DeleteAlarmNotification(ctx context.Context, alarmIdentifier string) error {
	const query = `DELETE FROM alarm_notifications WHERE alarm_identifier = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, alarmIdentifier); err != nil {
		return fmt.Errorf("delete alarm notification %s: %w", alarmIdentifier, err)
	}
	return nil
}

// DeleteUserAlarmNotifications removes every alarm of a user.
func (s *Store) DeleteUserAlarmNotifications(ctx context.Context, userID string) error {
	const query = `DELETE FROM alarm_notifications WHERE user_id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("delete alarm notifications for %s: %w", userID, err)
	}
	return nil
}

func (s *Store) LastProcessedNotificationID(ctx context.Context) (string, error) {
	return s.get(ctx, keyLastProcessedNotificationID)
}

// SetLastProcessedNotificationID stores id. An empty id clears it.
func (s *Store) SetLastProcessedNotificationID(ctx context.Context, id string) error {
	if id == "" {
		return s.delete(ctx, keyLastProcessedNotificationID)
	}
	return s.set(ctx, keyLastProcessedNotificationID, id)
}

func (s *Store) LastMissedNotificationCheckTime(ctx context.Context) (time.Time, error) {
	v, err := s.get(ctx, keyLastMissedNotificationCheckTime)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse check time %q: %w", v, err)
	}
	return t, nil
}

func (s *Store) SetLastMissedNotificationCheckTime(ctx context.Context, t time.Time) error {
	return s.set(ctx, keyLastMissedNotificationCheckTime, t.UTC().Format(time.RFC3339Nano))
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	const query = `SELECT value FROM kv WHERE key = ?`

	var v string
	err := s.db.Reader.QueryRowContext(ctx, query, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`

	if _, err := s.db.Writer.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	if _, err := s.db.Writer.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
