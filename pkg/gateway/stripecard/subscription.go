package stripecard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// handleSubscriptionUpdated reconciles subscriber state against the
// gateway's view of the subscription. The embedded payload may be stale, so
// the subscription is re-fetched before acting.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	sub, err := parseSubscription(event.Data.Raw)
	if err != nil {
		return err
	}

	fresh, err := p.freshSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}

	ref := billsync.ResolveSubscriber(fresh.Metadata)
	if ref.IsZero() {
		p.logger.Debug("subscription not attributable",
			billsync.Field{Key: "subscription_id", Value: fresh.ID})
		return nil
	}

	periodEnd := subscriptionPeriodEnd(fresh)

	switch fresh.Status {
	case stripe.SubscriptionStatusActive:
		if err := p.enableSubscriber(ctx, ref, periodEnd); err != nil {
			return err
		}

	case stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		if err := p.disableSubscriber(ctx, ref, periodEnd); err != nil {
			return err
		}
		// A user still on a known premium price keeps generating failed
		// charges until the subscription is gone. Cancel it and void any
		// open invoices so the cycle terminates.
		if ref.Kind == billsync.SubscriberUser && subscriptionHasPrice(fresh, p.premiumPriceIDs) {
			if err := p.cancelSubscriptionAndVoidInvoices(ctx, fresh.ID); err != nil {
				return err
			}
		}
		if ref.Kind == billsync.SubscriberOrganization && p.delayedCancel {
			if err := p.scheduler.ScheduleCancellation(ctx, fresh.ID, periodEnd); err != nil {
				return fmt.Errorf("schedule cancellation for %s: %w", fresh.ID, err)
			}
		}
	}

	// Organizations re-sync their expiration on every transition, and any
	// sponsorship-derived expiration follows in lockstep.
	if ref.Kind == billsync.SubscriberOrganization && !periodEnd.IsZero() {
		if err := p.syncOrganizationExpiration(ctx, ref, periodEnd); err != nil {
			return err
		}
		if err := p.sponsorships.SyncExpiration(ctx, ref.ID, periodEnd); err != nil {
			return fmt.Errorf("sync sponsorship expiration for %s: %w", ref.ID, err)
		}
	}
	return nil
}

// handleSubscriptionDeleted disables the subscriber on a genuine
// cancellation. A cancellation whose comment carries the migration sentinel
// means the subscriber moved to another subscription; disabling it as well
// would cut off a paying customer.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	sub, err := parseSubscription(event.Data.Raw)
	if err != nil {
		return err
	}

	if sub.Status != stripe.SubscriptionStatusCanceled {
		return nil
	}

	if sub.CancellationDetails != nil &&
		strings.Contains(strings.ToLower(sub.CancellationDetails.Comment), strings.ToLower(p.migrationSentinel)) {
		p.logger.Info("migration cancellation, leaving subscriber untouched",
			billsync.Field{Key: "subscription_id", Value: sub.ID})
		return nil
	}

	ref := billsync.ResolveSubscriber(sub.Metadata)
	if ref.IsZero() {
		return nil
	}
	return p.disableSubscriber(ctx, ref, subscriptionPeriodEnd(sub))
}

// enableSubscriber marks the subscriber active and extends its expiration
// to the subscription's current period end.
func (p *Provider) enableSubscriber(ctx context.Context, ref billsync.SubscriberRef, periodEnd time.Time) error {
	sub, err := p.repo.GetSubscriber(ctx, ref)
	if err != nil {
		return fmt.Errorf("load subscriber %s/%s: %w", ref.Kind, ref.ID, err)
	}

	switch s := sub.(type) {
	case *billsync.Organization:
		s.Enabled = true
		if !periodEnd.IsZero() {
			end := periodEnd
			s.ExpirationDate = &end
		}
		if err := p.repo.ReplaceSubscriber(ctx, s); err != nil {
			return err
		}
		if err := p.notifier.NotifyOrganizationStatus(ctx, s.ID, true); err != nil {
			return fmt.Errorf("notify organization %s: %w", s.ID, err)
		}
	case *billsync.User:
		s.Premium = true
		if !periodEnd.IsZero() {
			end := periodEnd
			s.PremiumExpirationDate = &end
		}
		if err := p.repo.ReplaceSubscriber(ctx, s); err != nil {
			return err
		}
	case *billsync.Provider:
		// Providers carry no enabled flag; nothing to reconcile.
		p.logger.Debug("provider subscription active",
			billsync.Field{Key: "provider_id", Value: s.ID})
	}
	return nil
}

// disableSubscriber marks the subscriber inactive as of the current period
// end, so already-paid time is honored.
func (p *Provider) disableSubscriber(ctx context.Context, ref billsync.SubscriberRef, periodEnd time.Time) error {
	sub, err := p.repo.GetSubscriber(ctx, ref)
	if err != nil {
		return fmt.Errorf("load subscriber %s/%s: %w", ref.Kind, ref.ID, err)
	}

	switch s := sub.(type) {
	case *billsync.Organization:
		s.Enabled = false
		if !periodEnd.IsZero() {
			end := periodEnd
			s.ExpirationDate = &end
		}
		if err := p.repo.ReplaceSubscriber(ctx, s); err != nil {
			return err
		}
		if err := p.notifier.NotifyOrganizationStatus(ctx, s.ID, false); err != nil {
			return fmt.Errorf("notify organization %s: %w", s.ID, err)
		}
	case *billsync.User:
		s.Premium = false
		if !periodEnd.IsZero() {
			end := periodEnd
			s.PremiumExpirationDate = &end
		}
		if err := p.repo.ReplaceSubscriber(ctx, s); err != nil {
			return err
		}
	case *billsync.Provider:
		p.logger.Debug("provider subscription ended",
			billsync.Field{Key: "provider_id", Value: s.ID})
	}
	return nil
}

// syncOrganizationExpiration converges the stored expiration to the
// gateway's current period end. Idempotent.
func (p *Provider) syncOrganizationExpiration(ctx context.Context, ref billsync.SubscriberRef, periodEnd time.Time) error {
	sub, err := p.repo.GetSubscriber(ctx, ref)
	if err != nil {
		return fmt.Errorf("load organization %s: %w", ref.ID, err)
	}
	org, ok := sub.(*billsync.Organization)
	if !ok {
		return nil
	}
	if org.ExpirationDate != nil && org.ExpirationDate.Equal(periodEnd) {
		return nil
	}
	end := periodEnd
	org.ExpirationDate = &end
	return p.repo.ReplaceSubscriber(ctx, org)
}

// cancelSubscriptionAndVoidInvoices performs terminal cleanup on the
// gateway: cancel the subscription and void every open invoice for it.
func (p *Provider) cancelSubscriptionAndVoidInvoices(ctx context.Context, subscriptionID string) error {
	if _, err := p.client.V1Subscriptions.Cancel(ctx, subscriptionID, nil); err != nil {
		p.metrics.RecordAPICall(gatewayName, "/subscriptions/cancel", "error")
		return fmt.Errorf("%w: cancel subscription %s: %v", billsync.ErrGatewayUnavailable, subscriptionID, err)
	}
	p.metrics.RecordAPICall(gatewayName, "/subscriptions/cancel", "success")

	params := &stripe.InvoiceListParams{
		Subscription: stripe.String(subscriptionID),
		Status:       stripe.String(string(stripe.InvoiceStatusOpen)),
	}
	for inv, err := range p.client.V1Invoices.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(gatewayName, "/invoices/list", "error")
			return fmt.Errorf("%w: list open invoices for %s: %v", billsync.ErrGatewayUnavailable, subscriptionID, err)
		}
		if _, err := p.client.V1Invoices.VoidInvoice(ctx, inv.ID, nil); err != nil {
			p.metrics.RecordAPICall(gatewayName, "/invoices/void", "error")
			return fmt.Errorf("%w: void invoice %s: %v", billsync.ErrGatewayUnavailable, inv.ID, err)
		}
		p.metrics.RecordAPICall(gatewayName, "/invoices/void", "success")
	}
	return nil
}
