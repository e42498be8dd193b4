package sse

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benaskins/alarmd/internal/alarm"
)

func testInfo(origin string) alarm.SSEInfo {
	return alarm.SSEInfo{PushIdentifier: "push-id", SSEOrigin: origin, UserIDs: []string{"u1", "u2"}}
}

func TestMissedNotificationURL(t *testing.T) {
	got := MissedNotificationURL("https://mail.example.com/", "push-id")
	want := "https://mail.example.com/rest/sys/missednotification/" + base64.RawURLEncoding.EncodeToString([]byte("push-id"))
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestFetchMissedDecodesPayload(t *testing.T) {
	var gotReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"confirmationId": "c1",
			"lastProcessedNotificationId": "n5",
			"alarmNotifications": [{"operation": "2", "alarmInfo": {"alarmIdentifier": "a1", "trigger": ""}, "user": "u1"}],
			"notificationInfos": [{"mailAddress": "me@example.com", "userId": "u1"}]
		}`))
	}))
	defer srv.Close()

	c := NewClient(WithVersions("3.100.0", "75"))
	mn, err := c.FetchMissed(context.Background(), testInfo(srv.URL), "n4")
	if err != nil {
		t.Fatalf("FetchMissed: %v", err)
	}

	if mn == nil || mn.LastProcessedNotificationID != "n5" || len(mn.AlarmNotifications) != 1 || len(mn.NotificationInfos) != 1 {
		t.Fatalf("unexpected payload %+v", mn)
	}
	if mn.AlarmNotifications[0].Operation != alarm.OperationDelete {
		t.Errorf("unexpected operation %q", mn.AlarmNotifications[0].Operation)
	}

	wantPath := "/rest/sys/missednotification/" + base64.RawURLEncoding.EncodeToString([]byte("push-id"))
	if gotReq.URL.Path != wantPath {
		t.Errorf("expected path %s, got %s", wantPath, gotReq.URL.Path)
	}
	if got := gotReq.Header.Get("userIds"); got != "u1,u2" {
		t.Errorf("expected userIds u1,u2, got %q", got)
	}
	if got := gotReq.Header.Get("lastProcessedNotificationId"); got != "n4" {
		t.Errorf("expected lastProcessedNotificationId n4, got %q", got)
	}
	if gotReq.Header.Get("v") != "75" || gotReq.Header.Get("cv") != "3.100.0" {
		t.Errorf("unexpected version headers v=%q cv=%q", gotReq.Header.Get("v"), gotReq.Header.Get("cv"))
	}
}

func TestFetchMissedOmitsEmptyLastProcessed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Lastprocessednotificationid"]; ok {
			t.Error("expected no lastProcessedNotificationId header")
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	NewClient().FetchMissed(context.Background(), testInfo(srv.URL), "")
}

func TestFetchMissedNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mn, err := NewClient().FetchMissed(context.Background(), testInfo(srv.URL), "n1")
	if err != nil || mn != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", mn, err)
	}
}

func TestFetchMissedStatusErrors(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		want       error
		wantRetry  time.Duration
	}{
		{http.StatusUnauthorized, "", ErrUnauthorized, 0},
		{http.StatusForbidden, "", ErrUnauthorized, 0},
		{http.StatusTooManyRequests, "30", ErrServiceUnavailable, 30 * time.Second},
		{http.StatusServiceUnavailable, "5", ErrServiceUnavailable, 5 * time.Second},
		{http.StatusInternalServerError, "", ErrUnexpectedStatus, 0},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tt.retryAfter != "" {
				w.Header().Set("Retry-After", tt.retryAfter)
			}
			w.WriteHeader(tt.status)
		}))

		_, err := NewClient().FetchMissed(context.Background(), testInfo(srv.URL), "")
		srv.Close()

		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
			continue
		}
		var se *StatusError
		if !errors.As(err, &se) {
			t.Errorf("status %d: expected StatusError, got %T", tt.status, err)
			continue
		}
		if se.RetryAfter != tt.wantRetry {
			t.Errorf("status %d: expected retry after %v, got %v", tt.status, tt.wantRetry, se.RetryAfter)
		}
	}
}

func TestFetchMissedBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient()
	for i := 0; i < 3; i++ {
		c.FetchMissed(context.Background(), testInfo(srv.URL), "")
	}

	_, err := c.FetchMissed(context.Background(), testInfo(srv.URL), "")
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("expected open breaker to report ErrServiceUnavailable, got %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 requests before the breaker opened, got %d", got)
	}
}

func TestFetchMissedClientErrorsDoNotTrip(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient()
	for i := 0; i < 5; i++ {
		_, err := c.FetchMissed(context.Background(), testInfo(srv.URL), "")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("attempt %d: expected ErrUnauthorized, got %v", i, err)
		}
	}
	if got := hits.Load(); got != 5 {
		t.Errorf("expected all 5 requests to reach the server, got %d", got)
	}
}
