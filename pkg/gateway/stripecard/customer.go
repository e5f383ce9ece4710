package stripecard

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// handlePaymentMethodAttached retries open invoices on the customer's
// unpaid subscriptions now that a chargeable instrument exists. One
// invoice's failure does not stop the others; the gateway will redeliver.
func (p *Provider) handlePaymentMethodAttached(ctx context.Context, event *stripe.Event) error {
	customerID := rawIDField(event.Data.Raw, "customer")
	if customerID == "" {
		return nil
	}

	subParams := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusUnpaid)),
	}
	for sub, err := range p.client.V1Subscriptions.List(ctx, subParams) {
		if err != nil {
			p.metrics.RecordAPICall(gatewayName, "/subscriptions/list", "error")
			return fmt.Errorf("%w: list unpaid subscriptions for %s: %v", billsync.ErrGatewayUnavailable, customerID, err)
		}

		invParams := &stripe.InvoiceListParams{
			Subscription: stripe.String(sub.ID),
			Status:       stripe.String(string(stripe.InvoiceStatusOpen)),
		}
		for inv, err := range p.client.V1Invoices.List(ctx, invParams) {
			if err != nil {
				p.metrics.RecordAPICall(gatewayName, "/invoices/list", "error")
				return fmt.Errorf("%w: list open invoices for %s: %v", billsync.ErrGatewayUnavailable, sub.ID, err)
			}
			env := &invoiceEnvelope{Invoice: inv, SubscriptionID: sub.ID}
			if _, err := p.payDirect(ctx, env); err != nil {
				p.logger.Warn("retry of open invoice failed",
					billsync.Field{Key: "invoice_id", Value: inv.ID},
					billsync.Field{Key: "error", Value: err.Error()})
			}
		}
	}
	return nil
}

// handleCustomerUpdated keeps the organization's billing email in step with
// the gateway customer record.
func (p *Provider) handleCustomerUpdated(ctx context.Context, event *stripe.Event) error {
	cust, err := parseCustomer(event.Data.Raw)
	if err != nil {
		return err
	}
	if cust.Email == "" {
		return nil
	}

	ref, err := p.resolveCustomerSubscriber(ctx, cust.ID)
	if err != nil {
		return err
	}
	if ref.Kind != billsync.SubscriberOrganization {
		return nil
	}

	sub, err := p.repo.GetSubscriber(ctx, ref)
	if err != nil {
		return fmt.Errorf("load organization %s: %w", ref.ID, err)
	}
	org, ok := sub.(*billsync.Organization)
	if !ok || org.BillingEmail == cust.Email {
		return nil
	}
	org.BillingEmail = cust.Email
	return p.repo.ReplaceSubscriber(ctx, org)
}

// handleSetupIntentSucceeded attaches a newly verified bank account to its
// customer. The setup intent is re-fetched with the payment method expanded
// because the webhook payload carries only the id.
func (p *Provider) handleSetupIntentSucceeded(ctx context.Context, event *stripe.Event) error {
	id := rawIDField(event.Data.Raw, "id")
	if id == "" {
		return fmt.Errorf("%w: setup intent without id", billsync.ErrInvalidPayload)
	}

	params := &stripe.SetupIntentRetrieveParams{}
	params.AddExpand("payment_method")
	si, err := p.client.V1SetupIntents.Retrieve(ctx, id, params)
	if err != nil {
		p.metrics.RecordAPICall(gatewayName, "/setup_intents/retrieve", "error")
		return fmt.Errorf("%w: fetch setup intent %s: %v", billsync.ErrGatewayUnavailable, id, err)
	}
	p.metrics.RecordAPICall(gatewayName, "/setup_intents/retrieve", "success")

	if si.PaymentMethod == nil || si.Customer == nil {
		return nil
	}
	if si.PaymentMethod.Type != stripe.PaymentMethodTypeUSBankAccount {
		return nil
	}

	attach := &stripe.PaymentMethodAttachParams{Customer: stripe.String(si.Customer.ID)}
	if _, err := p.client.V1PaymentMethods.Attach(ctx, si.PaymentMethod.ID, attach); err != nil {
		p.metrics.RecordAPICall(gatewayName, "/payment_methods/attach", "error")
		return fmt.Errorf("%w: attach payment method %s: %v", billsync.ErrGatewayUnavailable, si.PaymentMethod.ID, err)
	}
	p.metrics.RecordAPICall(gatewayName, "/payment_methods/attach", "success")
	return nil
}

// resolveCustomerSubscriber scans the customer's non-canceled subscriptions
// for a subscriber reference.
func (p *Provider) resolveCustomerSubscriber(ctx context.Context, customerID string) (billsync.SubscriberRef, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(gatewayName, "/subscriptions/list", "error")
			return billsync.SubscriberRef{}, fmt.Errorf("%w: list subscriptions for %s: %v", billsync.ErrGatewayUnavailable, customerID, err)
		}
		if sub.Status == stripe.SubscriptionStatusCanceled {
			continue
		}
		if ref := billsync.ResolveSubscriber(sub.Metadata); !ref.IsZero() {
			return ref, nil
		}
	}
	return billsync.SubscriberRef{}, nil
}
