package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/benaskins/alarmd/internal/alarm"
	"github.com/benaskins/alarmd/internal/audit"
	"github.com/benaskins/alarmd/internal/config"
	"github.com/benaskins/alarmd/internal/keychain"
	"github.com/benaskins/alarmd/internal/notify"
	"github.com/benaskins/alarmd/internal/prefs"
	"github.com/benaskins/alarmd/internal/sse"
)

const (
	lockFileName     = "alarmd.lock"
	auditLogName     = "audit.log"
	keyMetadataName  = "key-metadata.json"
	auditActorDaemon = "daemon"
)

// Daemon owns the alarm manager, the notification center and the event
// stream connection.
type Daemon struct {
	cfgPath  string
	stateDir string
	clock    clockwork.Clock
	http     *http.Client
	logger   *slog.Logger

	deliverer notify.Deliverer
	keys      keychain.Store
	auditLog  *audit.Logger
	db        *prefs.DB
	store     *prefs.Store
	lock      *instanceLock

	mu        sync.RWMutex
	cfg       *config.Config
	center    *notify.LocalCenter
	manager   *alarm.Manager
	conn      *sse.Connection
	sseCancel context.CancelFunc
	sseDone   chan struct{}

	refillCancel context.CancelFunc
	refillDone   chan struct{}

	ctx       context.Context // daemon lifecycle context, set in Start()
	startedAt time.Time
	stopOnce  sync.Once
}

// Option configures the daemon.
type Option func(*Daemon)

// WithConfigPath sets the config file used by Reload and the watcher.
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.cfgPath = path
	}
}

// WithStateDir sets the directory for the lock file, audit log and key
// metadata. Defaults to the directory of the database.
func WithStateDir(dir string) Option {
	return func(d *Daemon) {
		d.stateDir = dir
	}
}

// WithKeys sets the key store. Defaults to the platform keychain.
func WithKeys(s keychain.Store) Option {
	return func(d *Daemon) {
		d.keys = s
	}
}

// WithDeliverer overrides the deliverer chosen by the notifier setting.
func WithDeliverer(dl notify.Deliverer) Option {
	return func(d *Daemon) {
		d.deliverer = dl
	}
}

// WithClock sets the clock for timers and the event stream.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Daemon) {
		d.clock = clock
	}
}

// WithHTTPClient sets the HTTP client used to reach the mail server.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Daemon) {
		d.http = hc
	}
}

// New opens the preferences database and audit log and wires the alarm
// manager. Nothing is scheduled until Start.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("no database path configured")
	}
	d := &Daemon{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.With("component", "daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.stateDir == "" {
		d.stateDir = filepath.Dir(cfg.Database)
	}
	if err := os.MkdirAll(d.stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	auditLog, err := audit.NewLogger(filepath.Join(d.stateDir, auditLogName))
	if err != nil {
		return nil, err
	}
	metadata, err := keychain.NewMetadataStore(filepath.Join(d.stateDir, keyMetadataName))
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	inner := d.keys
	if inner == nil {
		inner = keychain.Open(d.stateDir)
	}
	d.keys = keychain.NewAuditedStore(inner, auditLog, metadata, auditActorDaemon)
	d.auditLog = auditLog

	db, err := prefs.Open(cfg.Database)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("opening preferences: %w", err)
	}
	d.db = db
	d.store = prefs.NewStore(db)

	if err := d.build(cfg); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// build creates the center, client and manager for cfg. Caller holds d.mu
// or has exclusive access.
func (d *Daemon) build(cfg *config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	dl := d.deliverer
	if dl == nil {
		switch cfg.Notifier {
		case config.NotifierLog:
			dl = notify.LogDeliverer{Logger: slog.With("component", "notify")}
		default:
			dl = notify.NewCommandDeliverer()
		}
	}
	center := notify.NewLocalCenter(dl,
		notify.WithClock(d.clock),
		notify.WithMaxPending(cfg.MaxPending),
		notify.WithRateLimit(rate.Limit(cfg.DeliveryRate), cfg.DeliveryBurst),
	)

	hc := d.http
	if hc == nil {
		hc = &http.Client{Timeout: cfg.SSE.RequestTimeout.Duration}
	}
	client := sse.NewClient(
		sse.WithHTTPClient(hc),
		sse.WithVersions(cfg.ClientVersion, cfg.ModelVersion),
	)

	manager := alarm.NewManager(d.store, d.keys, center,
		alarm.WithFetcher(client),
		alarm.WithClock(d.clock),
		alarm.WithLocation(loc),
		alarm.WithOccurrencesAhead(cfg.OccurrencesAhead),
		alarm.WithAuditLog(d.auditLog),
	)

	if d.center != nil {
		d.center.Close()
	}
	d.cfg = cfg
	d.center = center
	d.manager = manager
	return nil
}

// Start takes the single-instance lock, brings local state up to date with
// the server and opens the event stream. Fetch and reschedule failures are
// logged; the daemon keeps running so a later notification can recover.
func (d *Daemon) Start(ctx context.Context) error {
	lock, err := acquireLock(filepath.Join(d.stateDir, lockFileName))
	if err != nil {
		return err
	}
	d.lock = lock
	d.ctx = ctx
	d.startedAt = d.clock.Now()

	m := d.currentManager()
	if invalidated, err := m.InvalidateIfStale(ctx); err != nil {
		d.logger.Error("stale state check failed", "error", err)
	} else if invalidated {
		d.logger.Warn("local alarms were stale and have been dropped")
	}

	if err := m.RescheduleEvents(ctx); err != nil {
		d.logger.Error("rescheduling stored alarms failed", "error", err)
	}

	d.fetchMissed(ctx)
	d.restartRefill()

	if err := d.restartStream(ctx); err != nil {
		d.logger.Error("starting event stream failed", "error", err)
	}

	if d.cfgPath != "" {
		go func() {
			if err := d.StartWatcher(ctx); err != nil {
				d.logger.Error("config file watcher failed", "error", err)
			}
		}()
	}

	d.logger.Info("daemon started", "database", d.db.Path(), "state_dir", d.stateDir)
	return nil
}

// Stop closes the event stream, pending timers, the database and the lock.
// Only the first call has any effect.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	d.stopStream()
	d.stopRefill()

	d.mu.Lock()
	if d.center != nil {
		d.center.Close()
	}
	d.mu.Unlock()

	d.close()
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			d.logger.Warn("failed to release lock", "error", err)
		}
		d.lock = nil
	}
	d.logger.Info("daemon stopped")
}

func (d *Daemon) close() {
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("failed to close database", "error", err)
		}
	}
	if err := d.auditLog.Close(); err != nil {
		d.logger.Warn("failed to close audit log", "error", err)
	}
}

func (d *Daemon) currentManager() *alarm.Manager {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manager
}

// fetchMissed fetches and schedules missed notifications, recording now as
// the last check time. Errors are logged.
func (d *Daemon) fetchMissed(ctx context.Context) {
	now := d.clock.Now()
	if err := d.currentManager().FetchMissedNotifications(ctx, &now); err != nil {
		d.logger.Error("fetching missed notifications failed", "error", err)
	}
}

// restartStream replaces the event stream connection to match the stored
// registration. Without a registration the stream is stopped.
func (d *Daemon) restartStream(ctx context.Context) error {
	d.stopStream()

	info, err := d.store.SSEInfo(ctx)
	if err != nil {
		return fmt.Errorf("loading sse info: %w", err)
	}
	if info == nil || len(info.UserIDs) == 0 {
		d.logger.Info("no push identifier registered, event stream idle")
		return nil
	}
	if d.ctx == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	opts := []sse.ConnectionOption{
		sse.WithStreamClock(d.clock),
		sse.WithReconnectMax(d.cfg.SSE.ReconnectMax.Duration),
		sse.WithStreamVersions(d.cfg.ClientVersion, d.cfg.ModelVersion),
	}
	if d.http != nil {
		opts = append(opts, sse.WithStreamHTTPClient(d.http))
	}
	conn := sse.NewConnection(*info, d.fetchMissed, opts...)

	streamCtx, cancel := context.WithCancel(d.ctx)
	done := make(chan struct{})
	d.conn = conn
	d.sseCancel = cancel
	d.sseDone = done

	go func() {
		defer close(done)
		if err := conn.Run(streamCtx); err != nil {
			if errors.Is(err, sse.ErrUnauthorized) {
				d.logger.Error("event stream rejected, push identifier no longer valid", "origin", info.SSEOrigin)
				return
			}
			d.logger.Error("event stream stopped", "error", err)
		}
	}()
	d.logger.Info("event stream started", "origin", info.SSEOrigin, "users", len(info.UserIDs))
	return nil
}

func (d *Daemon) stopStream() {
	d.mu.Lock()
	cancel, done := d.sseCancel, d.sseDone
	d.conn, d.sseCancel, d.sseDone = nil, nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// restartRefill runs the current manager's horizon refill on the daemon
// context, replacing the loop of a previous manager.
func (d *Daemon) restartRefill() {
	d.stopRefill()

	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithCancel(d.ctx)
	done := make(chan struct{})
	d.refillCancel = cancel
	d.refillDone = done

	m := d.manager
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
}

func (d *Daemon) stopRefill() {
	d.mu.Lock()
	cancel, done := d.refillCancel, d.refillDone
	d.refillCancel, d.refillDone = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status summarizes the daemon for the health endpoint.
type Status struct {
	StartedAt       time.Time `json:"started_at"`
	Database        string    `json:"database"`
	Registered      bool      `json:"registered"`
	Users           []string  `json:"users,omitempty"`
	StreamConnected bool      `json:"stream_connected"`
	Pending         int       `json:"pending"`
	LastCheck       time.Time `json:"last_check,omitzero"`
}

// Status reports registration, stream and scheduling state.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	st := Status{StartedAt: d.startedAt, Database: d.db.Path()}

	info, err := d.store.SSEInfo(ctx)
	if err != nil {
		return st, fmt.Errorf("loading sse info: %w", err)
	}
	if info != nil {
		st.Registered = true
		st.Users = info.UserIDs
	}
	last, err := d.store.LastMissedNotificationCheckTime(ctx)
	if err != nil {
		return st, fmt.Errorf("loading check time: %w", err)
	}
	st.LastCheck = last

	d.mu.RLock()
	st.Pending = len(d.center.Pending())
	st.StreamConnected = d.conn != nil && d.conn.Connected()
	d.mu.RUnlock()
	return st, nil
}

// Alarms lists stored alarms with their next fire time.
func (d *Daemon) Alarms(ctx context.Context) ([]alarm.ScheduledAlarm, error) {
	return d.currentManager().Alarms(ctx)
}

// Pending lists notification requests waiting to fire.
func (d *Daemon) Pending() []notify.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.center.Pending()
}

// History returns the last n deliveries. n <= 0 returns all of them.
func (d *Daemon) History(n int) []notify.Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.center.History(n)
}

// Schedule applies a missed-notification payload.
func (d *Daemon) Schedule(ctx context.Context, mn *alarm.MissedNotification) error {
	return d.currentManager().ScheduleAlarms(ctx, mn)
}

// FetchMissed fetches missed notifications now.
func (d *Daemon) FetchMissed(ctx context.Context, changeTime *time.Time) error {
	return d.currentManager().FetchMissedNotifications(ctx, changeTime)
}

// Reschedule schedules every stored alarm again.
func (d *Daemon) Reschedule(ctx context.Context) error {
	return d.currentManager().RescheduleEvents(ctx)
}

// Unschedule removes a user's alarms and drops the user from the event
// stream registration.
func (d *Daemon) Unschedule(ctx context.Context, userID string) error {
	if err := d.currentManager().UnscheduleAlarms(ctx, userID); err != nil {
		return err
	}
	return d.restartStream(ctx)
}

// Register stores a push identifier and reconnects the event stream.
func (d *Daemon) Register(ctx context.Context, p alarm.PushIdentifier) error {
	if err := d.currentManager().StorePushIdentifier(ctx, p); err != nil {
		return err
	}
	if err := d.restartStream(ctx); err != nil {
		return err
	}
	if d.ctx != nil {
		d.fetchMissed(ctx)
	}
	return nil
}

// ReloadResult summarizes what changed during a reload.
type ReloadResult struct {
	Rescheduled   bool `json:"rescheduled"`
	StreamRestart bool `json:"stream_restarted"`
}

// Reload re-reads the config file. A change to scheduling or stream
// settings rebuilds the notification center and reschedules every stored
// alarm; stream changes also reconnect the event stream.
func (d *Daemon) Reload(ctx context.Context) (*ReloadResult, error) {
	if d.cfgPath == "" {
		return nil, fmt.Errorf("daemon has no config file")
	}
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return nil, err
	}
	// The database is opened once; a new path takes effect on restart.
	cfg.Database = d.db.Path()

	result := &ReloadResult{}

	d.mu.Lock()
	old := d.cfg
	stream := old.ClientVersion != cfg.ClientVersion ||
		old.ModelVersion != cfg.ModelVersion ||
		old.SSE != cfg.SSE
	rebuild := old.SchedulingChanged(cfg) || stream
	if rebuild {
		if err := d.build(cfg); err != nil {
			d.mu.Unlock()
			return nil, err
		}
	} else {
		d.cfg = cfg
	}
	d.mu.Unlock()

	// A rebuilt center starts empty.
	if rebuild {
		if err := d.currentManager().RescheduleEvents(ctx); err != nil {
			return nil, fmt.Errorf("rescheduling after reload: %w", err)
		}
		result.Rescheduled = true
		if d.ctx != nil {
			d.restartRefill()
		}
	}
	if stream && d.ctx != nil {
		if err := d.restartStream(ctx); err != nil {
			return nil, err
		}
		result.StreamRestart = true
	}
	d.logger.Info("config reloaded", "rescheduled", result.Rescheduled, "stream_restarted", result.StreamRestart)
	return result, nil
}
