package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/benaskins/alarmd/internal/history"
)

const defaultHistorySize = 200

type pendingEntry struct {
	req   Request
	timer clockwork.Timer
}

// LocalCenter is an in-process Center. Each pending request owns a timer on
// the configured clock; when it fires the request is passed to the Deliverer,
// subject to the delivery rate limit.
type LocalCenter struct {
	mu         sync.Mutex
	pending    map[string]*pendingEntry
	closed     bool
	clock      clockwork.Clock
	deliverer  Deliverer
	limiter    *rate.Limiter
	maxPending int
	history    *history.Ring[Delivery]
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a LocalCenter.
type Option func(*LocalCenter)

// WithClock sets the clock used for timers. Defaults to the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *LocalCenter) {
		c.clock = clock
	}
}

// WithMaxPending sets the pending request limit.
func WithMaxPending(n int) Option {
	return func(c *LocalCenter) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

// WithRateLimit spreads deliveries out to at most r per second with the
// given burst. rate.Inf disables limiting.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *LocalCenter) {
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// WithHistorySize sets how many deliveries are remembered.
func WithHistorySize(n int) Option {
	return func(c *LocalCenter) {
		c.history = history.New[Delivery](n)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *LocalCenter) {
		c.logger = logger
	}
}

// NewLocalCenter creates a center that delivers through d.
func NewLocalCenter(d Deliverer, opts ...Option) *LocalCenter {
	ctx, cancel := context.WithCancel(context.Background())
	c := &LocalCenter{
		pending:    make(map[string]*pendingEntry),
		clock:      clockwork.NewRealClock(),
		deliverer:  d,
		limiter:    rate.NewLimiter(rate.Limit(1), 5),
		maxPending: DefaultMaxPending,
		history:    history.New[Delivery](defaultHistorySize),
		logger:     slog.With("component", "notify"),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add implements Center.
func (c *LocalCenter) Add(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.ID == "" {
		return fmt.Errorf("notification request has no id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if req.Immediate() {
		c.removeLocked(req.ID)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.deliver(req)
		}()
		return nil
	}

	now := c.clock.Now()
	if !req.FireAt.After(now) {
		return fmt.Errorf("%w: %s at %s", ErrFireTimeInPast, req.ID, req.FireAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	existing, replacing := c.pending[req.ID]
	if replacing {
		existing.timer.Stop()
	} else if len(c.pending) >= c.maxPending {
		latest := c.latestLocked()
		if !req.FireAt.Before(latest.req.FireAt) {
			return fmt.Errorf("%w: limit %d", ErrTooManyPending, c.maxPending)
		}
		c.removeLocked(latest.req.ID)
		c.logger.Debug("notification evicted", "id", latest.req.ID, "fire_at", latest.req.FireAt, "by", req.ID)
	}

	entry := &pendingEntry{req: req}
	entry.timer = c.clock.AfterFunc(req.FireAt.Sub(now), func() {
		c.fire(entry)
	})
	c.pending[req.ID] = entry

	c.logger.Debug("notification scheduled", "id", req.ID, "fire_at", req.FireAt)
	return nil
}

// RemovePending implements Center.
func (c *LocalCenter) RemovePending(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.removeLocked(id)
	}
}

func (c *LocalCenter) removeLocked(id string) {
	entry, ok := c.pending[id]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(c.pending, id)
}

// latestLocked returns the pending entry that fires last. Ties go to the
// larger ID so eviction does not depend on map order.
func (c *LocalCenter) latestLocked() *pendingEntry {
	var latest *pendingEntry
	for _, e := range c.pending {
		if latest == nil || e.req.FireAt.After(latest.req.FireAt) ||
			(e.req.FireAt.Equal(latest.req.FireAt) && e.req.ID > latest.req.ID) {
			latest = e
		}
	}
	return latest
}

// Pending returns pending requests ordered by fire time.
func (c *LocalCenter) Pending() []Request {
	c.mu.Lock()
	reqs := make([]Request, 0, len(c.pending))
	for _, e := range c.pending {
		reqs = append(reqs, e.req)
	}
	c.mu.Unlock()

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].FireAt.Equal(reqs[j].FireAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].FireAt.Before(reqs[j].FireAt)
	})
	return reqs
}

// History returns the last n deliveries, oldest first. n <= 0 returns all.
func (c *LocalCenter) History(n int) []Delivery {
	if n <= 0 {
		return c.history.Items()
	}
	return c.history.Last(n)
}

// Close cancels all pending requests and waits for in-flight deliveries.
func (c *LocalCenter) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, e := range c.pending {
		e.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *LocalCenter) fire(entry *pendingEntry) {
	c.mu.Lock()
	// The entry may have been replaced or removed after the timer fired.
	if c.closed || c.pending[entry.req.ID] != entry {
		c.mu.Unlock()
		return
	}
	delete(c.pending, entry.req.ID)
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	c.deliver(entry.req)
}

func (c *LocalCenter) deliver(req Request) {
	if err := c.limiter.Wait(c.ctx); err != nil {
		c.logger.Warn("notification dropped", "id", req.ID, "error", err)
		return
	}

	d := Delivery{Request: req, DeliveredAt: c.clock.Now()}
	if err := c.deliverer.Deliver(c.ctx, req); err != nil {
		d.Error = err.Error()
		c.logger.Error("notification delivery failed", "id", req.ID, "error", err)
	} else {
		c.logger.Info("notification delivered", "id", req.ID, "user", req.UserID)
	}
	c.history.Add(d)
}
