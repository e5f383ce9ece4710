package stripecard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// rawIDField extracts an id-bearing field from raw event JSON. Gateways
// serialize related objects either as a bare id string or as an embedded
// object, depending on expansion and API version.
func rawIDField(raw json.RawMessage, field string) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	switch v := data[field].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// invoiceEnvelope pairs a parsed invoice with the subscription id it was
// generated for. The subscription reference moved between API versions, so
// it is resolved once at parse time and carried alongside.
type invoiceEnvelope struct {
	*stripe.Invoice
	SubscriptionID string
}

func parseInvoice(raw json.RawMessage) (*invoiceEnvelope, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billsync.ErrInvalidPayload, err)
	}
	env := &invoiceEnvelope{Invoice: &inv}
	env.SubscriptionID = rawIDField(raw, "subscription")
	if env.SubscriptionID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil &&
		inv.Parent.SubscriptionDetails.Subscription != nil {
		env.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return env, nil
}

func (e *invoiceEnvelope) customerID() string {
	if e.Customer != nil {
		return e.Customer.ID
	}
	return ""
}

// dueDate returns the invoice due date, falling back to creation time for
// auto-collected invoices that carry none.
func (e *invoiceEnvelope) dueDate() time.Time {
	if e.DueDate > 0 {
		return time.Unix(e.DueDate, 0).UTC()
	}
	return time.Unix(e.Created, 0).UTC()
}

func parseSubscription(raw json.RawMessage) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billsync.ErrInvalidPayload, err)
	}
	return &sub, nil
}

func parseCharge(raw json.RawMessage) (*stripe.Charge, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("%w: charge: %v", billsync.ErrInvalidPayload, err)
	}
	return &ch, nil
}

func parseCustomer(raw json.RawMessage) (*stripe.Customer, error) {
	var cust stripe.Customer
	if err := json.Unmarshal(raw, &cust); err != nil {
		return nil, fmt.Errorf("%w: customer: %v", billsync.ErrInvalidPayload, err)
	}
	return &cust, nil
}

// freshSubscription re-queries the gateway for the authoritative
// subscription state. Webhook-embedded payloads can be stale relative to the
// moment of processing.
func (p *Provider) freshSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, id, nil)
	if err != nil {
		p.metrics.RecordAPICall(gatewayName, "/subscriptions/retrieve", "error")
		return nil, fmt.Errorf("%w: fetch subscription %s: %v", billsync.ErrGatewayUnavailable, id, err)
	}
	p.metrics.RecordAPICall(gatewayName, "/subscriptions/retrieve", "success")
	return sub, nil
}

// freshInvoice refreshes envelope state from the gateway, keeping the
// subscription id resolved at parse time.
func (p *Provider) freshInvoice(ctx context.Context, env *invoiceEnvelope) (*invoiceEnvelope, error) {
	inv, err := p.client.V1Invoices.Retrieve(ctx, env.ID, nil)
	if err != nil {
		p.metrics.RecordAPICall(gatewayName, "/invoices/retrieve", "error")
		return nil, fmt.Errorf("%w: fetch invoice %s: %v", billsync.ErrGatewayUnavailable, env.ID, err)
	}
	p.metrics.RecordAPICall(gatewayName, "/invoices/retrieve", "success")
	fresh := &invoiceEnvelope{Invoice: inv, SubscriptionID: env.SubscriptionID}
	if fresh.SubscriptionID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil &&
		inv.Parent.SubscriptionDetails.Subscription != nil {
		fresh.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return fresh, nil
}

func (p *Provider) freshCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	cust, err := p.client.V1Customers.Retrieve(ctx, id, nil)
	if err != nil {
		p.metrics.RecordAPICall(gatewayName, "/customers/retrieve", "error")
		return nil, fmt.Errorf("%w: fetch customer %s: %v", billsync.ErrGatewayUnavailable, id, err)
	}
	p.metrics.RecordAPICall(gatewayName, "/customers/retrieve", "success")
	return cust, nil
}

// subscriptionPeriodEnd returns the end of the subscription's current
// billing period. Period bounds live on the items.
func subscriptionPeriodEnd(sub *stripe.Subscription) time.Time {
	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

// subscriptionHasPrice reports whether any subscription item references one
// of the given price ids.
func subscriptionHasPrice(sub *stripe.Subscription, priceIDs map[string]bool) bool {
	if sub.Items == nil || len(priceIDs) == 0 {
		return false
	}
	for _, item := range sub.Items.Data {
		if item.Price != nil && priceIDs[item.Price.ID] {
			return true
		}
	}
	return false
}
