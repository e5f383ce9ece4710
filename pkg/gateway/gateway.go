// Package gateway defines the interface every payment gateway integration
// implements, so applications can mount the card processor, wallet
// processor, bank settlement network, and in-app-purchase notifier
// uniformly.
package gateway

import (
	"context"
	"net/http"
	"time"
)

// Gateway is the generic interface that any payment gateway integration
// must implement.
type Gateway interface {
	// Name returns the gateway name (e.g., "stripe", "wallet").
	Name() string

	// WebhookHandler returns the HTTP handler that processes inbound events.
	// The implementation handles authentication, parsing, dispatch, and
	// subscriber/ledger updates internally.
	WebhookHandler() http.Handler
}

// ReplayRequest describes a window of historical gateway events to refetch
// and re-dispatch. Used for recovery and backfill.
type ReplayRequest struct {
	// From and To bound the gateway-side creation time of candidate events.
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	// DeliverySuccess optionally filters by the gateway's own delivery
	// outcome. Nil means no filter.
	DeliverySuccess *bool `json:"deliverySuccess,omitempty"`

	// APIVersion restricts replay to events emitted under a matching
	// gateway API version. Empty means no filter.
	APIVersion string `json:"apiVersion,omitempty"`

	// Region restricts replay to customers whose region metadata matches.
	// Customers without region metadata are treated as "US".
	Region string `json:"region,omitempty"`

	// Parallelism bounds concurrent dispatch. Zero means the gateway default.
	Parallelism int `json:"parallelism,omitempty"`
}

// EventOutcome is the per-event result of a batch replay.
type EventOutcome struct {
	EventID         string    `json:"eventId"`
	URL             string    `json:"url"`
	Type            string    `json:"type"`
	CreatedAt       time.Time `json:"createdAt"`
	ProcessingError string    `json:"processingError,omitempty"`
}

// ReplayResult partitions replayed events by outcome. One event's failure
// never aborts the remainder of the batch.
type ReplayResult struct {
	Succeeded []EventOutcome `json:"succeeded"`
	Failed    []EventOutcome `json:"failed"`
}

// Replayer is implemented by gateways that support windowed historical
// replay of their event feed.
type Replayer interface {
	ReplayEvents(ctx context.Context, req ReplayRequest) (*ReplayResult, error)
}
