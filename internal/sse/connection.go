package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/benaskins/alarmd/internal/alarm"
)

const (
	// DefaultHeartbeatTimeout applies until the server announces its own.
	DefaultHeartbeatTimeout = 90 * time.Second
	// DefaultReconnectMax caps the delay between reconnect attempts.
	DefaultReconnectMax = 5 * time.Minute

	heartbeatPrefix     = "heartbeatTimeout:"
	notificationMessage = "notification"
)

var errStreamClosed = errors.New("event stream closed")

// Handler is called when the server announces new notifications.
type Handler func(ctx context.Context)

// Connection keeps an event stream open to the mail server and calls the
// handler on every notification. Lost connections are re-established with
// exponential backoff. A missing heartbeat counts as a lost connection.
type Connection struct {
	info          alarm.SSEInfo
	handler       Handler
	http          *http.Client
	clock         clockwork.Clock
	newBackOff    func() backoff.BackOff
	reconnectMax  time.Duration
	clientVersion string
	modelVersion  string
	logger        *slog.Logger

	mu        sync.Mutex
	heartbeat time.Duration
	connected bool
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithStreamHTTPClient sets the HTTP client. It must not have a timeout.
func WithStreamHTTPClient(hc *http.Client) ConnectionOption {
	return func(c *Connection) {
		c.http = hc
	}
}

// WithStreamClock sets the clock driving the heartbeat watchdog.
func WithStreamClock(clock clockwork.Clock) ConnectionOption {
	return func(c *Connection) {
		c.clock = clock
	}
}

// WithReconnectMax caps the reconnect delay.
func WithReconnectMax(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		if d > 0 {
			c.reconnectMax = d
		}
	}
}

// WithBackOff replaces the reconnect policy.
func WithBackOff(newBackOff func() backoff.BackOff) ConnectionOption {
	return func(c *Connection) {
		c.newBackOff = newBackOff
	}
}

// WithStreamVersions sets the client and model versions sent on connect.
func WithStreamVersions(clientVersion, modelVersion string) ConnectionOption {
	return func(c *Connection) {
		c.clientVersion = clientVersion
		c.modelVersion = modelVersion
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// NewConnection creates a connection for info. Run starts it.
func NewConnection(info alarm.SSEInfo, handler Handler, opts ...ConnectionOption) *Connection {
	c := &Connection{
		info:         info,
		handler:      handler,
		http:         &http.Client{},
		clock:        clockwork.NewRealClock(),
		reconnectMax: DefaultReconnectMax,
		heartbeat:    DefaultHeartbeatTimeout,
		logger:       slog.With("component", "sse"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newBackOff == nil {
		c.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = c.reconnectMax
			b.MaxElapsedTime = 0
			return b
		}
	}
	return c
}

// Connected reports whether the stream is currently open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// HeartbeatTimeout returns the current read deadline.
func (c *Connection) HeartbeatTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

// Run keeps the stream open until ctx is cancelled or the server rejects the
// credentials. It returns nil on cancellation and ErrUnauthorized otherwise.
// After every reconnect the handler is called once, since notifications may
// have been missed while disconnected.
func (c *Connection) Run(ctx context.Context) error {
	b := c.newBackOff()
	attempts := 0

	op := func() error {
		attempts++
		err := c.stream(ctx, attempts > 1, b)
		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("event stream lost, reconnecting", "error", err, "in", next)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// URL returns the event stream URL for the registration.
func (c *Connection) URL() (string, error) {
	type userID struct {
		ID    string `json:"_id"`
		Value string `json:"value"`
	}
	body := struct {
		Format     string   `json:"_format"`
		Identifier string   `json:"identifier"`
		UserIDs    []userID `json:"userIds"`
	}{Format: "0", Identifier: c.info.PushIdentifier}
	for _, u := range c.info.UserIDs {
		body.UserIDs = append(body.UserIDs, userID{ID: uuid.NewString(), Value: u})
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(c.info.SSEOrigin, "/") + "/sse?_body=" + url.QueryEscape(string(encoded)), nil
}

func (c *Connection) stream(ctx context.Context, reconnect bool, b backoff.BackOff) error {
	streamURL, err := c.URL()
	if err != nil {
		return fmt.Errorf("building stream url: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.modelVersion != "" {
		req.Header.Set("v", c.modelVersion)
	}
	if c.clientVersion != "" {
		req.Header.Set("cv", c.clientVersion)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return statusError(resp)
	}

	c.setConnected(true)
	defer c.setConnected(false)
	b.Reset()
	c.logger.Info("event stream connected", "origin", c.info.SSEOrigin, "users", len(c.info.UserIDs))

	if reconnect {
		c.handler(ctx)
	}

	watchdog := c.clock.AfterFunc(c.HeartbeatTimeout(), cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		watchdog.Reset(c.HeartbeatTimeout())

		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)

		switch {
		case strings.HasPrefix(data, heartbeatPrefix):
			c.setHeartbeat(data[len(heartbeatPrefix):])
			watchdog.Reset(c.HeartbeatTimeout())
		case data == notificationMessage:
			watchdog.Stop()
			c.handler(ctx)
			watchdog.Reset(c.HeartbeatTimeout())
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if streamCtx.Err() != nil {
		return fmt.Errorf("no heartbeat within %s", c.HeartbeatTimeout())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return errStreamClosed
}

func (c *Connection) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// setHeartbeat applies a server heartbeat of n seconds, allowing half as
// much again before the connection is considered dead.
func (c *Connection) setHeartbeat(value string) {
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs <= 0 {
		c.logger.Warn("invalid heartbeat timeout", "value", value)
		return
	}
	c.mu.Lock()
	c.heartbeat = time.Duration(secs) * time.Second * 3 / 2
	c.mu.Unlock()
	c.logger.Debug("heartbeat timeout set", "timeout", c.HeartbeatTimeout())
}
