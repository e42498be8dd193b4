// Package alarm turns encrypted alarm notifications from the mail server into
// locally scheduled notifications.
//
// The Manager decrypts each AlarmNotification with the push identifier key
// held in the keychain, expands repeat rules into occurrences and schedules
// one notification per future occurrence. The encrypted notification is
// kept in Preferences so alarms can be rescheduled after a restart or
// removed when a user logs out.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/benaskins/alarmd/internal/aes128"
	"github.com/benaskins/alarmd/internal/audit"
	"github.com/benaskins/alarmd/internal/keychain"
	"github.com/benaskins/alarmd/internal/notify"
)

const (
	// DefaultOccurrencesAhead is how many future occurrences of a repeating
	// alarm are scheduled at once.
	DefaultOccurrencesAhead = 24

	// StaleAfter is how long the server keeps missed notifications. Local
	// state older than this can no longer be reconciled.
	StaleAfter = 30 * 24 * time.Hour

	// DefaultRefillInterval is how often Run tops up the occurrences of
	// repeating alarms and retries those the center had no room for.
	DefaultRefillInterval = time.Hour

	mailNotificationPrefix = "mail#"
)

var (
	ErrNoFetcher        = errors.New("no missed notification fetcher configured")
	ErrUnknownOperation = errors.New("unknown alarm operation")
)

// Manager schedules and unschedules alarms.
type Manager struct {
	mu      sync.Mutex
	prefs   Preferences
	keys    keychain.Store
	center  notify.Center
	fetcher Fetcher
	clock   clockwork.Clock
	loc     *time.Location
	ahead   int
	refill  time.Duration
	logger  *slog.Logger
	audit   *audit.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithFetcher sets the missed-notification fetcher.
func WithFetcher(f Fetcher) Option {
	return func(m *Manager) {
		m.fetcher = f
	}
}

// WithClock sets the clock. Defaults to the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLocation sets the local time zone used for all-day events.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithOccurrencesAhead sets how many future occurrences are scheduled per
// repeating alarm.
func WithOccurrencesAhead(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.ahead = n
		}
	}
}

// WithRefillInterval sets how often Run reschedules stored alarms.
func WithRefillInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refill = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAuditLog records bulk alarm removal to the audit log.
func WithAuditLog(l *audit.Logger) Option {
	return func(m *Manager) {
		m.audit = l
	}
}

// NewManager creates a Manager.
func NewManager(prefs Preferences, keys keychain.Store, center notify.Center, opts ...Option) *Manager {
	m := &Manager{
		prefs:  prefs,
		keys:   keys,
		center: center,
		clock:  clockwork.NewRealClock(),
		loc:    time.Local,
		ahead:  DefaultOccurrencesAhead,
		refill: DefaultRefillInterval,
		logger: slog.With("component", "alarm"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ScheduleAlarms applies every alarm change in mn and announces new mail.
// Alarms are processed independently; failures are joined and returned
// once all of them have been attempted.
func (m *Manager) ScheduleAlarms(ctx context.Context, mn *MissedNotification) error {
	if mn == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduleLocked(ctx, mn)
}

func (m *Manager) scheduleLocked(ctx context.Context, mn *MissedNotification) error {
	var errs []error
	for i := range mn.AlarmNotifications {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		n := &mn.AlarmNotifications[i]
		if err := m.apply(ctx, n); err != nil {
			m.logger.Error("alarm not applied", "alarm", n.Identifier(), "operation", n.Operation, "error", err)
			errs = append(errs, fmt.Errorf("alarm %s: %w", n.Identifier(), err))
		}
	}

	for _, info := range mn.NotificationInfos {
		req := notify.Request{
			ID:     mailNotificationPrefix + info.UserID,
			Title:  "New email received",
			Body:   info.MailAddress,
			UserID: info.UserID,
		}
		if err := m.center.Add(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("mail notification for %s: %w", info.UserID, err))
		}
	}

	if err := ctx.Err(); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if mn.LastProcessedNotificationID != "" {
		if err := m.prefs.SetLastProcessedNotificationID(ctx, mn.LastProcessedNotificationID); err != nil {
			errs = append(errs, fmt.Errorf("saving last processed notification id: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) apply(ctx context.Context, n *AlarmNotification) error {
	switch n.Operation {
	case OperationCreate:
		return m.create(ctx, n)
	case OperationDelete:
		return m.remove(ctx, n.Identifier())
	case OperationUpdate:
		if err := m.remove(ctx, n.Identifier()); err != nil {
			return err
		}
		return m.create(ctx, n)
	}
	return fmt.Errorf("%w: %q", ErrUnknownOperation, n.Operation)
}

func (m *Manager) create(ctx context.Context, n *AlarmNotification) error {
	a, err := Decrypt(m.keys, n)
	if err != nil {
		return err
	}

	stored := *n
	stored.Operation = OperationCreate
	if err := m.prefs.SaveAlarmNotification(ctx, stored); err != nil {
		return fmt.Errorf("storing alarm: %w", err)
	}
	return m.schedule(ctx, a)
}

func (m *Manager) schedule(ctx context.Context, a *Alarm) error {
	var errs []error
	occurrences := a.Occurrences(m.clock.Now(), m.loc, m.ahead)
	for i, occ := range occurrences {
		req := notify.Request{
			ID:     NotificationID(a.Identifier, a.Repeat != nil, occ.Index),
			Title:  a.Summary,
			Body:   eventTimeText(occ.Start, a.AllDay),
			UserID: a.User,
			FireAt: occ.FireAt,
		}
		err := m.center.Add(ctx, req)
		switch {
		case err == nil:
		case errors.Is(err, notify.ErrFireTimeInPast):
			// Raced with the clock between expansion and submission.
		case errors.Is(err, notify.ErrTooManyPending):
			// Everything pending fires sooner, and so would the rest of
			// these. Run picks them up once the center drains.
			m.logger.Debug("center full, deferring occurrences", "alarm", a.Identifier, "deferred", len(occurrences)-i)
			return errors.Join(errs...)
		default:
			errs = append(errs, fmt.Errorf("occurrence %d: %w", occ.Index, err))
		}
	}
	m.logger.Debug("alarm scheduled", "alarm", a.Identifier, "user", a.User, "occurrences", len(occurrences))
	return errors.Join(errs...)
}

// remove cancels the pending occurrences of a stored alarm and forgets it.
// An unknown identifier is a no-op.
func (m *Manager) remove(ctx context.Context, alarmIdentifier string) error {
	stored, err := m.prefs.AlarmNotifications(ctx)
	if err != nil {
		return fmt.Errorf("loading alarms: %w", err)
	}
	idx := slices.IndexFunc(stored, func(n AlarmNotification) bool {
		return n.Identifier() == alarmIdentifier
	})
	if idx < 0 {
		return nil
	}

	if ids, err := m.occurrenceIDs(&stored[idx]); err != nil {
		m.logger.Warn("cannot derive notification ids, leaving pending", "alarm", alarmIdentifier, "error", err)
	} else {
		m.center.RemovePending(ids)
	}

	if err := m.prefs.DeleteAlarmNotification(ctx, alarmIdentifier); err != nil {
		return fmt.Errorf("deleting alarm: %w", err)
	}
	return nil
}

func (m *Manager) occurrenceIDs(n *AlarmNotification) ([]string, error) {
	a, err := Decrypt(m.keys, n)
	if err != nil {
		return nil, err
	}
	if a.Repeat == nil {
		return []string{a.Identifier}, nil
	}
	occurrences := a.Occurrences(m.clock.Now(), m.loc, m.ahead)
	ids := make([]string, 0, len(occurrences))
	for _, occ := range occurrences {
		ids = append(ids, NotificationID(a.Identifier, true, occ.Index))
	}
	return ids, nil
}

// FetchMissedNotifications fetches notifications missed since the last
// processed one and schedules them. When changeTime is non-nil it is stored
// as the last successful check time; a nil changeTime leaves the check time
// untouched.
func (m *Manager) FetchMissedNotifications(ctx context.Context, changeTime *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.prefs.SSEInfo(ctx)
	if err != nil {
		return fmt.Errorf("loading sse info: %w", err)
	}
	if info == nil || len(info.UserIDs) == 0 {
		m.logger.Debug("no push identifier registered, skipping fetch")
		return nil
	}
	if m.fetcher == nil {
		return ErrNoFetcher
	}

	lastID, err := m.prefs.LastProcessedNotificationID(ctx)
	if err != nil {
		return fmt.Errorf("loading last processed notification id: %w", err)
	}

	mn, err := m.fetcher.FetchMissed(ctx, *info, lastID)
	if err != nil {
		return fmt.Errorf("fetching missed notifications: %w", err)
	}

	var errs []error
	if mn != nil {
		m.logger.Info("missed notifications fetched", "alarms", len(mn.AlarmNotifications), "mail", len(mn.NotificationInfos))
		if err := m.scheduleLocked(ctx, mn); err != nil {
			errs = append(errs, err)
		}
	}
	if changeTime != nil {
		if err := m.prefs.SetLastMissedNotificationCheckTime(ctx, *changeTime); err != nil {
			errs = append(errs, fmt.Errorf("saving check time: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RescheduleEvents schedules every stored alarm again. Notification IDs are
// stable, so repeated calls replace rather than duplicate.
func (m *Manager) RescheduleEvents(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, failed, err := m.rescheduleLocked(ctx)
	if count >= 0 {
		m.logger.Info("alarms rescheduled", "count", count, "failed", failed)
	}
	return err
}

// Run keeps the scheduling horizon of stored alarms topped up until ctx is
// done. Every refill interval on the manager's clock it reschedules all
// stored alarms, so a repeating alarm always has its next occurrences
// pending and occurrences deferred by a full center are retried.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.refill)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.mu.Lock()
			count, failed, err := m.rescheduleLocked(ctx)
			m.mu.Unlock()
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("alarm refill failed", "count", count, "failed", failed, "error", err)
				continue
			}
			m.logger.Debug("alarms refilled", "count", count)
		}
	}
}

// rescheduleLocked schedules every stored alarm. count is -1 when the
// stored alarms could not be loaded.
func (m *Manager) rescheduleLocked(ctx context.Context) (count, failed int, err error) {
	stored, err := m.prefs.AlarmNotifications(ctx)
	if err != nil {
		return -1, 0, fmt.Errorf("loading alarms: %w", err)
	}

	var errs []error
	for i := range stored {
		if err := ctx.Err(); err != nil {
			return len(stored), len(errs), errors.Join(append(errs, err)...)
		}
		n := &stored[i]
		a, err := Decrypt(m.keys, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("alarm %s: %w", n.Identifier(), err))
			continue
		}
		if err := m.schedule(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("alarm %s: %w", n.Identifier(), err))
		}
	}
	return len(stored), len(errs), errors.Join(errs...)
}

// UnscheduleAlarms removes every alarm of userID and drops the user from
// the event stream registration. Alarms that can no longer be decrypted are
// forgotten without cancelling their pending notifications.
func (m *Manager) UnscheduleAlarms(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.prefs.AlarmNotifications(ctx)
	if err != nil {
		return fmt.Errorf("loading alarms: %w", err)
	}

	var ids []string
	count := 0
	for i := range stored {
		n := &stored[i]
		if n.User != userID {
			continue
		}
		count++
		occIDs, err := m.occurrenceIDs(n)
		if err != nil {
			m.logger.Warn("cannot derive notification ids, leaving pending", "alarm", n.Identifier(), "user", userID, "error", err)
			continue
		}
		ids = append(ids, occIDs...)
	}
	if len(ids) > 0 {
		m.center.RemovePending(ids)
	}

	if count > 0 {
		if err := m.prefs.DeleteUserAlarmNotifications(ctx, userID); err != nil {
			return fmt.Errorf("deleting alarms for %s: %w", userID, err)
		}
	}

	info, err := m.prefs.SSEInfo(ctx)
	if err != nil {
		return fmt.Errorf("loading sse info: %w", err)
	}
	if info != nil && info.HasUser(userID) {
		info.UserIDs = slices.DeleteFunc(info.UserIDs, func(u string) bool { return u == userID })
		if err := m.prefs.StoreSSEInfo(ctx, *info); err != nil {
			return fmt.Errorf("saving sse info: %w", err)
		}
	}

	if count > 0 {
		m.audit.Log(audit.Entry{Action: audit.ActionAlarmsUnscheduled, User: userID, Count: count})
		m.logger.Info("alarms unscheduled", "user", userID, "count", count)
	}
	return nil
}

// StorePushIdentifier registers a push identifier for a user locally: its
// session key goes to the keychain and the user is added to the event
// stream registration. A different identifier or origin replaces the
// registration.
func (m *Manager) StorePushIdentifier(ctx context.Context, p PushIdentifier) error {
	if p.Identifier == "" || p.ElementID == "" || p.UserID == "" || p.Origin == "" {
		return fmt.Errorf("push identifier: identifier, element id, user and origin are required")
	}
	if len(p.SessionKey) != aes128.KeyLength {
		return fmt.Errorf("push identifier session key: %w", aes128.ErrInvalidKeyLength)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.keys.StoreKey(p.ElementID, p.SessionKey); err != nil {
		return fmt.Errorf("storing push identifier key: %w", err)
	}

	info, err := m.prefs.SSEInfo(ctx)
	if err != nil {
		return fmt.Errorf("loading sse info: %w", err)
	}
	if info == nil || info.PushIdentifier != p.Identifier || info.SSEOrigin != p.Origin {
		info = &SSEInfo{PushIdentifier: p.Identifier, SSEOrigin: p.Origin}
	}
	if !info.HasUser(p.UserID) {
		info.UserIDs = append(info.UserIDs, p.UserID)
	}
	if err := m.prefs.StoreSSEInfo(ctx, *info); err != nil {
		return fmt.Errorf("saving sse info: %w", err)
	}

	m.logger.Info("push identifier stored", "user", p.UserID, "origin", p.Origin)
	return nil
}

// InvalidateIfStale drops all local alarm state when the last successful
// check is older than StaleAfter. It reports whether state was dropped.
func (m *Manager) InvalidateIfStale(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, err := m.prefs.LastMissedNotificationCheckTime(ctx)
	if err != nil {
		return false, fmt.Errorf("loading check time: %w", err)
	}
	if last.IsZero() || m.clock.Since(last) <= StaleAfter {
		return false, nil
	}

	stored, err := m.prefs.AlarmNotifications(ctx)
	if err != nil {
		return false, fmt.Errorf("loading alarms: %w", err)
	}

	var ids []string
	for i := range stored {
		occIDs, err := m.occurrenceIDs(&stored[i])
		if err != nil {
			continue
		}
		ids = append(ids, occIDs...)
	}
	if len(ids) > 0 {
		m.center.RemovePending(ids)
	}

	var errs []error
	for i := range stored {
		if err := m.prefs.DeleteAlarmNotification(ctx, stored[i].Identifier()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.prefs.SetLastProcessedNotificationID(ctx, ""); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return true, fmt.Errorf("invalidating alarms: %w", err)
	}

	m.audit.Log(audit.Entry{Action: audit.ActionAlarmsInvalidated, Count: len(stored)})
	m.logger.Warn("stale alarm state invalidated", "last_check", last, "alarms", len(stored))
	return true, nil
}

// Alarms lists stored alarms with their next fire time, soonest first.
// Alarms that cannot be decrypted are listed with an error.
func (m *Manager) Alarms(ctx context.Context) ([]ScheduledAlarm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.prefs.AlarmNotifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading alarms: %w", err)
	}

	now := m.clock.Now()
	out := make([]ScheduledAlarm, 0, len(stored))
	for i := range stored {
		n := &stored[i]
		sa := ScheduledAlarm{
			Identifier: n.Identifier(),
			User:       n.User,
			Repeating:  n.RepeatRule != nil,
		}
		a, err := Decrypt(m.keys, n)
		if err != nil {
			sa.Error = err.Error()
			out = append(out, sa)
			continue
		}
		sa.Summary = a.Summary
		sa.Trigger = a.Trigger.String()
		sa.EventStart = a.Start
		sa.AllDay = a.AllDay
		occurrences := a.Occurrences(now, m.loc, m.ahead)
		sa.Scheduled = len(occurrences)
		if len(occurrences) > 0 {
			next := occurrences[0].FireAt
			sa.NextFireAt = &next
		}
		out = append(out, sa)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].NextFireAt, out[j].NextFireAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	return out, nil
}

func eventTimeText(start time.Time, allDay bool) string {
	if allDay {
		return start.Format("Mon, 2 Jan")
	}
	return start.Format("Mon, 2 Jan 15:04")
}
