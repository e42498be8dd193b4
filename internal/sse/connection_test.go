package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// streamServer writes lines on every connection, then holds it open until
// the client goes away.
func streamServer(t *testing.T, connections *atomic.Int32, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connections.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func zeroBackOff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectionURL(t *testing.T) {
	c := NewConnection(testInfo("https://mail.example.com/"), func(context.Context) {})

	raw, err := c.URL()
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, raw, nil)
	if req.URL.Path != "/sse" {
		t.Errorf("expected /sse, got %s", req.URL.Path)
	}

	var body struct {
		Format     string `json:"_format"`
		Identifier string `json:"identifier"`
		UserIDs    []struct {
			ID    string `json:"_id"`
			Value string `json:"value"`
		} `json:"userIds"`
	}
	if err := json.Unmarshal([]byte(req.URL.Query().Get("_body")), &body); err != nil {
		t.Fatalf("decoding _body: %v", err)
	}
	if body.Format != "0" || body.Identifier != "push-id" {
		t.Errorf("unexpected body %+v", body)
	}
	if len(body.UserIDs) != 2 || body.UserIDs[0].Value != "u1" || body.UserIDs[0].ID == "" {
		t.Errorf("unexpected user ids %+v", body.UserIDs)
	}
	if body.UserIDs[0].ID == body.UserIDs[1].ID {
		t.Error("expected distinct _id values")
	}
}

func TestConnectionNotificationCallsHandler(t *testing.T) {
	var connections atomic.Int32
	srv := streamServer(t, &connections, "data: heartbeatTimeout:30", "data: notification")

	calls := make(chan struct{}, 4)
	c := NewConnection(testInfo(srv.URL), func(context.Context) { calls <- struct{}{} }, WithBackOff(zeroBackOff))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-calls:
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
	if got := c.HeartbeatTimeout(); got != 45*time.Second {
		t.Errorf("expected heartbeat 45s, got %v", got)
	}
	if !c.Connected() {
		t.Error("expected connection to be open")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancel, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if c.Connected() {
		t.Error("expected connection closed after cancel")
	}
}

func TestConnectionUnauthorizedIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewConnection(testInfo(srv.URL), func(context.Context) {}, WithBackOff(zeroBackOff))
	err := c.Run(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestConnectionReconnectsAfterServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	calls := make(chan struct{}, 4)
	c := NewConnection(testInfo(srv.URL), func(context.Context) { calls <- struct{}{} }, WithBackOff(zeroBackOff))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// The handler runs once after the reconnect to catch up.
	select {
	case <-calls:
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called after reconnect")
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestConnectionMissingHeartbeatReconnects(t *testing.T) {
	var connections atomic.Int32
	srv := streamServer(t, &connections, "data: heartbeatTimeout:10")
	clock := clockwork.NewFakeClock()

	calls := make(chan struct{}, 4)
	c := NewConnection(testInfo(srv.URL), func(context.Context) { calls <- struct{}{} },
		WithBackOff(zeroBackOff), WithStreamClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "heartbeat timeout", func() bool { return c.HeartbeatTimeout() == 15*time.Second })

	waitFor(t, "reconnect", func() bool {
		clock.Advance(16 * time.Second)
		return connections.Load() >= 2
	})

	select {
	case <-calls:
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called after heartbeat reconnect")
	}
}
