package billsync

import (
	"context"
	"time"
)

// Mailer sends transactional billing email. Delivery is an external
// collaborator; handlers only decide when a notice is warranted.
type Mailer interface {
	// SendPaymentFailed notifies a subscriber that an invoice payment failed
	// and will be retried.
	SendPaymentFailed(ctx context.Context, email string, amount int64, currency string) error

	// SendUpcomingInvoice notifies a subscriber of an invoice due soon.
	SendUpcomingInvoice(ctx context.Context, email string, dueDate time.Time) error

	// SendInvoiceFinalized notifies a subscriber that an invoice awaiting
	// manual settlement has been finalized.
	SendInvoiceFinalized(ctx context.Context, email string, invoiceURL string) error
}

// Notifier pushes subscription status changes to client devices so cached
// organization state converges without a manual refresh.
type Notifier interface {
	NotifyOrganizationStatus(ctx context.Context, organizationID string, enabled bool) error
}

// SponsorshipStore keeps sponsorship-derived expiration dates in lockstep
// with the sponsoring organization's own expiration.
type SponsorshipStore interface {
	SyncExpiration(ctx context.Context, organizationID string, expiresAt time.Time) error
}

// CancellationScheduler schedules a delayed gateway-subscription
// cancellation job instead of canceling inline. Gated by a feature flag.
type CancellationScheduler interface {
	ScheduleCancellation(ctx context.Context, subscriptionID string, at time.Time) error
}

// NoopMailer discards all mail.
type NoopMailer struct{}

func (NoopMailer) SendPaymentFailed(context.Context, string, int64, string) error { return nil }
func (NoopMailer) SendUpcomingInvoice(context.Context, string, time.Time) error   { return nil }
func (NoopMailer) SendInvoiceFinalized(context.Context, string, string) error     { return nil }

// NoopNotifier discards all pushes.
type NoopNotifier struct{}

func (NoopNotifier) NotifyOrganizationStatus(context.Context, string, bool) error { return nil }

// NoopSponsorshipStore ignores expiration syncs.
type NoopSponsorshipStore struct{}

func (NoopSponsorshipStore) SyncExpiration(context.Context, string, time.Time) error { return nil }

// NoopScheduler drops scheduled cancellations.
type NoopScheduler struct{}

func (NoopScheduler) ScheduleCancellation(context.Context, string, time.Time) error { return nil }
