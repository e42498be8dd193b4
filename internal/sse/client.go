// Package sse talks to the mail server's notification endpoints: the
// missed-notification resource and the server-sent event stream that
// announces new notifications.
package sse

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/benaskins/alarmd/internal/alarm"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrUnexpectedStatus   = errors.New("unexpected status")
)

// Compile-time interface satisfaction check.
var _ alarm.Fetcher = (*Client)(nil)

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	kind       error
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: status %d, retry after %s", e.kind, e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("%v: status %d", e.kind, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

func statusError(resp *http.Response) *StatusError {
	e := &StatusError{StatusCode: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.kind = ErrUnauthorized
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		e.kind = ErrServiceUnavailable
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	default:
		e.kind = ErrUnexpectedStatus
	}
	return e
}

// Client fetches missed notifications.
type Client struct {
	http          *http.Client
	cb            *gobreaker.CircuitBreaker
	clientVersion string
	modelVersion  string
	logger        *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithVersions sets the client and model versions sent with every request.
func WithVersions(clientVersion, modelVersion string) ClientOption {
	return func(c *Client) {
		c.clientVersion = clientVersion
		c.modelVersion = modelVersion
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.With("component", "sse"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cb = CircuitBreaker("missed-notifications", c.logger)
	return c
}

// CircuitBreaker trips after three consecutive failures. Client errors (4xx)
// count as successes: they are answers, not outages.
func CircuitBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(
		gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			Interval:    0,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 2
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var se *StatusError
				if !errors.As(err, &se) {
					return false
				}
				return se.StatusCode >= 400 && se.StatusCode < 500
			},
		},
	)
}

// MissedNotificationURL returns the missed-notification resource for a push
// identifier.
func MissedNotificationURL(origin, pushIdentifier string) string {
	id := base64.RawURLEncoding.EncodeToString([]byte(pushIdentifier))
	return strings.TrimRight(origin, "/") + "/rest/sys/missednotification/" + id
}

// FetchMissed implements alarm.Fetcher. A 404 means nothing was missed and
// returns (nil, nil).
func (c *Client) FetchMissed(ctx context.Context, info alarm.SSEInfo, lastProcessedID string) (*alarm.MissedNotification, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx, info, lastProcessedID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
		}
		return nil, err
	}
	mn, _ := result.(*alarm.MissedNotification)
	return mn, nil
}

func (c *Client) fetch(ctx context.Context, info alarm.SSEInfo, lastProcessedID string) (*alarm.MissedNotification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, MissedNotificationURL(info.SSEOrigin, info.PushIdentifier), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("userIds", strings.Join(info.UserIDs, ","))
	if c.modelVersion != "" {
		req.Header.Set("v", c.modelVersion)
	}
	if c.clientVersion != "" {
		req.Header.Set("cv", c.clientVersion)
	}
	if lastProcessedID != "" {
		req.Header.Set("lastProcessedNotificationId", lastProcessedID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("missed notification request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, statusError(resp)
	}

	var mn alarm.MissedNotification
	if err := json.NewDecoder(resp.Body).Decode(&mn); err != nil {
		return nil, fmt.Errorf("decoding missed notification: %w", err)
	}
	c.logger.Debug("missed notification received", "alarms", len(mn.AlarmNotifications), "last_processed", mn.LastProcessedNotificationID)
	return &mn, nil
}
