// Package notify schedules local desktop notifications.
//
// A Center holds pending requests keyed by ID and delivers each one when its
// fire time arrives. Requests with a zero FireAt are delivered immediately.
package notify

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxPending mirrors the per-app pending notification limit on iOS.
const DefaultMaxPending = 64

var (
	ErrFireTimeInPast = errors.New("fire time is in the past")
	ErrTooManyPending = errors.New("too many pending notifications")
	ErrClosed         = errors.New("notification center closed")
)

// Request is one notification to deliver.
type Request struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	UserID string    `json:"user_id,omitempty"`
	FireAt time.Time `json:"fire_at,omitzero"`
}

// Immediate reports whether the request should be delivered now.
func (r Request) Immediate() bool {
	return r.FireAt.IsZero()
}

// Center adds and cancels pending notification requests.
type Center interface {
	// RemovePending cancels pending requests with the given IDs. Unknown IDs
	// are ignored.
	RemovePending(ids []string)
	// Add submits a request, replacing any pending request with the same ID.
	// A full center keeps the requests that fire soonest: a new request
	// evicts the latest pending one when it fires before it and is
	// rejected with ErrTooManyPending otherwise.
	Add(ctx context.Context, req Request) error
}

// Delivery records a notification that was handed to a Deliverer.
type Delivery struct {
	Request
	DeliveredAt time.Time `json:"delivered_at"`
	Error       string    `json:"error,omitempty"`
}

// Deliverer shows a notification to the user.
type Deliverer interface {
	Deliver(ctx context.Context, req Request) error
}
