package stripecard

import (
	"context"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// handleInvoiceUpcoming sends an advance notice to the subscriber. The
// invoice does not exist yet at this point, so nothing can be settled.
func (p *Provider) handleInvoiceUpcoming(ctx context.Context, event *stripe.Event) error {
	env, err := parseInvoice(event.Data.Raw)
	if err != nil {
		return err
	}

	ref, err := p.resolveInvoiceSubscriber(ctx, env)
	if err != nil {
		return err
	}
	if ref.IsZero() {
		return nil
	}

	email, err := p.subscriberBillingEmail(ctx, ref)
	if err != nil || email == "" {
		return err
	}
	return p.mailer.SendUpcomingInvoice(ctx, email, env.dueDate())
}

// handleInvoiceCreated attempts out-of-band settlement as soon as the
// invoice exists, before the gateway tries the stored instrument. Direct
// retry is not permitted here; the gateway has not attempted yet.
func (p *Provider) handleInvoiceCreated(ctx context.Context, event *stripe.Event) error {
	env, err := parseInvoice(event.Data.Raw)
	if err != nil {
		return err
	}

	if env.Status == stripe.InvoiceStatusPaid || env.Status == stripe.InvoiceStatusVoid {
		return nil
	}

	paid, err := p.attemptToPayInvoice(ctx, env, false)
	if err != nil {
		return err
	}
	if paid {
		p.logger.Info("invoice settled out of band",
			billsync.Field{Key: "invoice_id", Value: env.ID})
	}
	return nil
}

// handleInvoiceFinalized notifies subscribers billed by manual settlement
// that their invoice is ready.
func (p *Provider) handleInvoiceFinalized(ctx context.Context, event *stripe.Event) error {
	env, err := parseInvoice(event.Data.Raw)
	if err != nil {
		return err
	}

	if env.CollectionMethod != stripe.InvoiceCollectionMethodSendInvoice {
		return nil
	}

	ref, err := p.resolveInvoiceSubscriber(ctx, env)
	if err != nil {
		return err
	}
	if ref.IsZero() {
		return nil
	}
	email, err := p.subscriberBillingEmail(ctx, ref)
	if err != nil || email == "" {
		return err
	}
	return p.mailer.SendInvoiceFinalized(ctx, email, env.HostedInvoiceURL)
}

// handlePaymentSucceeded converges subscriber state once the gateway
// confirms payment. The subscription is re-fetched because the embedded
// status may predate the payment.
func (p *Provider) handlePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	env, err := parseInvoice(event.Data.Raw)
	if err != nil {
		return err
	}
	if env.SubscriptionID == "" {
		// Not a subscription invoice.
		return nil
	}

	sub, err := p.freshSubscription(ctx, env.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != stripe.SubscriptionStatusActive {
		return nil
	}

	ref := billsync.ResolveSubscriber(sub.Metadata)
	if ref.IsZero() {
		return nil
	}
	return p.enableSubscriber(ctx, ref, subscriptionPeriodEnd(sub))
}

// handlePaymentFailed runs the fallback chain. Direct retry is only allowed
// once the gateway itself has already failed at least one attempt, so the
// first failure can be settled by an alternate path without double-charging.
func (p *Provider) handlePaymentFailed(ctx context.Context, event *stripe.Event) error {
	env, err := parseInvoice(event.Data.Raw)
	if err != nil {
		return err
	}
	if env.Status == stripe.InvoiceStatusPaid {
		return nil
	}

	paid, err := p.attemptToPayInvoice(ctx, env, env.AttemptCount > 1)
	if err != nil {
		return err
	}
	if !paid {
		p.logger.Info("invoice remains unpaid after fallback chain",
			billsync.Field{Key: "invoice_id", Value: env.ID},
			billsync.Field{Key: "attempt_count", Value: env.AttemptCount})
	}
	return nil
}

// resolveInvoiceSubscriber resolves the subscriber through the invoice's
// subscription metadata.
func (p *Provider) resolveInvoiceSubscriber(ctx context.Context, env *invoiceEnvelope) (billsync.SubscriberRef, error) {
	if env.SubscriptionID == "" {
		return billsync.SubscriberRef{}, nil
	}
	sub, err := p.freshSubscription(ctx, env.SubscriptionID)
	if err != nil {
		return billsync.SubscriberRef{}, err
	}
	return billsync.ResolveSubscriber(sub.Metadata), nil
}

// subscriberBillingEmail returns the address billing notices go to.
func (p *Provider) subscriberBillingEmail(ctx context.Context, ref billsync.SubscriberRef) (string, error) {
	sub, err := p.repo.GetSubscriber(ctx, ref)
	if err != nil {
		return "", err
	}
	switch s := sub.(type) {
	case *billsync.Organization:
		return s.BillingEmail, nil
	case *billsync.User:
		return s.Email, nil
	case *billsync.Provider:
		return s.BillingEmail, nil
	}
	return "", nil
}
