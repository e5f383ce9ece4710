package stripecard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/gateway/internal"
)

const maxWebhookBody = 256 * 1024

// handleWebhook processes one inbound signed event delivery. The gateway
// interprets anything other than 2xx as "retry later", so expected no-ops
// resolve as 200 and only requests that can never succeed (bad signature,
// malformed body, test event in production) get 400.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(gatewayName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(gatewayName, "invalid_payload")
		}
		return
	}

	// Signature verification is mandatory before any parsing of the body.
	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(gatewayName, "auth_failed")
		return
	}

	// A test-mode event delivered to a production deployment can never
	// succeed; reject rather than retry forever.
	if p.production && !event.Livemode {
		http.Error(w, "test event rejected", http.StatusBadRequest)
		p.metrics.RecordWebhookError(gatewayName, "not_live")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.dispatch(r.Context(), &event); err != nil {
		p.logger.Error("event processing failed",
			billsync.Field{Key: "gateway", Value: gatewayName},
			billsync.Field{Key: "event_id", Value: event.ID},
			billsync.Field{Key: "event_type", Value: eventType},
			billsync.Field{Key: "error", Value: err.Error()})
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(gatewayName, eventType, "error")
		p.metrics.RecordWebhookError(gatewayName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(gatewayName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(gatewayName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(gatewayName, eventType, time.Since(startTime))
}

// dispatch maps a canonical event type to exactly one handler. The set of
// handled types is closed; anything else is logged at warning level and
// dropped so that new gateway event types never break delivery
// acknowledgment.
func (p *Provider) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, event)
	case "invoice.upcoming":
		return p.handleInvoiceUpcoming(ctx, event)
	case "invoice.created":
		return p.handleInvoiceCreated(ctx, event)
	case "invoice.finalized":
		return p.handleInvoiceFinalized(ctx, event)
	case "invoice.payment_succeeded":
		return p.handlePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return p.handlePaymentFailed(ctx, event)
	case "charge.succeeded":
		return p.handleChargeSucceeded(ctx, event)
	case "charge.refunded":
		return p.handleChargeRefunded(ctx, event)
	case "payment_method.attached":
		return p.handlePaymentMethodAttached(ctx, event)
	case "customer.updated":
		return p.handleCustomerUpdated(ctx, event)
	case "setup_intent.succeeded":
		return p.handleSetupIntentSucceeded(ctx, event)
	default:
		p.logger.Warn("unhandled event type",
			billsync.Field{Key: "gateway", Value: gatewayName},
			billsync.Field{Key: "event_id", Value: event.ID},
			billsync.Field{Key: "event_type", Value: string(event.Type)})
		p.metrics.RecordWebhookEvent(gatewayName, string(event.Type), "ignored")
		return nil
	}
}
