// Package push contains the public domain types and contracts for the
// push-notification service.
package push

import (
	"context"
	"errors"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// ErrNotConfigured reports that the VAPID key pair or subject is missing or
// malformed. A broadcast that fails with this error has contacted no push
// service endpoints.
var ErrNotConfigured = errors.New("vapid credentials not configured")

// Subscription is one browser installation's push registration: where to
// POST (Endpoint) and how to encrypt for that device (P256dh + Auth, both
// base64url exactly as the browser issued them).
type Subscription struct {
	ID        string    `json:"id"`
	UserID    urn.URN   `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

// Payload is the message content for a single broadcast. It is never
// persisted.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Result aggregates a broadcast's per-subscription outcomes.
type Result struct {
	SuccessCount int `json:"successCount"`
	FailCount    int `json:"failCount"`
}

// Registry is the durable store of push subscriptions. It owns the
// create/replace/delete lifecycle; the dispatcher only reads and asks for
// retirements through Delete.
type Registry interface {
	// Subscribe registers an endpoint for a user, replacing any existing
	// record with the same endpoint regardless of its previous owner. The
	// final state always has exactly one record per endpoint.
	Subscribe(ctx context.Context, user urn.URN, endpoint, p256dh, auth string) (Subscription, error)

	// Unsubscribe removes every subscription owned by the user and reports
	// how many were removed. Removing zero is not an error.
	Unsubscribe(ctx context.Context, user urn.URN) (int, error)

	// ListAll returns a snapshot of every stored subscription, in no
	// particular order.
	ListAll(ctx context.Context) ([]Subscription, error)

	// Delete retires subscriptions by id. Ids that no longer exist are
	// ignored.
	Delete(ctx context.Context, ids []string) error
}

// Broadcaster fans one payload out to every registered subscription.
type Broadcaster interface {
	Send(ctx context.Context, payload Payload) (Result, error)
}
