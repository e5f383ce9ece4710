package wallet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/gateway/internal"
)

const (
	maxWebhookBody           = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config configures the wallet-processor gateway.
type Config struct {
	// Repository provides subscriber and ledger persistence (required).
	Repository billsync.Repository

	// WebhookKey is the shared secret webhook deliveries carry (required).
	WebhookKey string

	Logger  billsync.Logger
	Metrics billsync.Metrics
}

// Provider implements gateway.Gateway for the wallet processor. The
// processor carries a shared key instead of a payload signature, so
// deliveries are authenticated with a constant-time key comparison.
type Provider struct {
	repo        billsync.Repository
	webhookKey  string
	rateLimiter *internal.RateLimiter
	logger      billsync.Logger
	metrics     billsync.Metrics
}

// New creates the wallet-processor gateway.
func New(config Config) (*Provider, error) {
	if config.Repository == nil || strings.TrimSpace(config.WebhookKey) == "" {
		return nil, billsync.ErrInvalidConfig
	}
	p := &Provider{
		repo:        config.Repository,
		webhookKey:  strings.TrimSpace(config.WebhookKey),
		rateLimiter: internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		logger:      config.Logger,
		metrics:     config.Metrics,
	}
	if p.logger == nil {
		p.logger = &billsync.NoopLogger{}
	}
	if p.metrics == nil {
		p.metrics = &billsync.NoopMetrics{}
	}
	return p, nil
}

// Name returns the gateway name.
func (p *Provider) Name() string {
	return gatewayName
}

// WebhookHandler returns the HTTP handler for inbound notifications.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

type webhookPayload struct {
	Type string `json:"type"`
	Sale Sale   `json:"sale"`
}

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
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

	if !billsync.VerifyKey(internal.KeyFromRequest(r), p.webhookKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(gatewayName, "auth_failed")
		return
	}

	var payload webhookPayload
	if err := internal.ParseJSONStrict(body, &payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		p.metrics.RecordWebhookError(gatewayName, "invalid_payload")
		return
	}

	eventType := strings.TrimSpace(payload.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.dispatch(r.Context(), eventType, &payload.Sale); err != nil {
		p.logger.Error("event processing failed",
			billsync.Field{Key: "gateway", Value: gatewayName},
			billsync.Field{Key: "sale_id", Value: payload.Sale.ID},
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

func (p *Provider) dispatch(ctx context.Context, eventType string, sale *Sale) error {
	switch eventType {
	case "sale.settled":
		return p.handleSaleSettled(ctx, sale)
	case "sale.refunded":
		return p.handleSaleRefunded(ctx, sale)
	default:
		p.logger.Warn("unhandled event type",
			billsync.Field{Key: "gateway", Value: gatewayName},
			billsync.Field{Key: "event_type", Value: eventType})
		p.metrics.RecordWebhookEvent(gatewayName, eventType, "ignored")
		return nil
	}
}

// handleSaleSettled records one ledger transaction per first-seen sale.
// Sales submitted by the invoice fallback chain are usually already
// ledgered by the time the settlement notification arrives; the duplicate
// is expected and silent.
func (p *Provider) handleSaleSettled(ctx context.Context, sale *Sale) error {
	if sale.ID == "" {
		return fmt.Errorf("%w: sale without id", billsync.ErrInvalidPayload)
	}

	ref := billsync.ResolveSubscriber(sale.Metadata)
	if ref.IsZero() {
		p.logger.Info("sale not attributable to a subscriber",
			billsync.Field{Key: "sale_id", Value: sale.ID})
		return nil
	}

	tx := &billsync.LedgerTransaction{
		Gateway:              billsync.GatewayWallet,
		GatewayTransactionID: sale.ID,
		Amount:               sale.Amount,
		Currency:             strings.ToLower(sale.Currency),
		CreationDate:         time.Unix(sale.CreatedAt, 0).UTC(),
		Subscriber:           ref,
		Type:                 billsync.TransactionCharge,
		PaymentMethod:        billsync.PaymentMethodWallet,
		Details:              "wallet sale " + sale.ID,
	}
	if _, err := p.repo.Create(ctx, tx); err != nil {
		if errors.Is(err, billsync.ErrDuplicateTransaction) {
			return nil
		}
		return fmt.Errorf("ledger sale %s: %w", sale.ID, err)
	}
	p.metrics.RecordLedgerTransaction(gatewayName, string(billsync.TransactionCharge))
	return nil
}

// handleSaleRefunded creates one refund record per sub-object not already
// ledgered, then sets the original sale's refunded total from the
// notification's refund list, clamped to the sale amount and never moving
// backward. Deriving the total from the notification rather than
// incrementing on first ledgering means a redelivery repairs a total lost
// to a write failure on an earlier delivery. A refund whose original sale
// is unknown is fatal.
func (p *Provider) handleSaleRefunded(ctx context.Context, sale *Sale) error {
	if sale.ID == "" {
		return fmt.Errorf("%w: sale without id", billsync.ErrInvalidPayload)
	}

	original, err := p.repo.GetByGatewayID(ctx, billsync.GatewayWallet, sale.ID)
	if err != nil {
		if errors.Is(err, billsync.ErrTransactionNotFound) {
			return fmt.Errorf("refund for unknown sale %s: %w", sale.ID, billsync.ErrTransactionNotFound)
		}
		return fmt.Errorf("ledger lookup for sale %s: %w", sale.ID, err)
	}

	var total int64
	for _, refund := range sale.Refunds {
		total += refund.Amount
	}
	if total > original.Amount {
		total = original.Amount
	}

	for _, refund := range sale.Refunds {
		if refund.ID == "" {
			continue
		}
		if _, err := p.repo.GetByGatewayID(ctx, billsync.GatewayWallet, refund.ID); err == nil {
			continue
		} else if !errors.Is(err, billsync.ErrTransactionNotFound) {
			return fmt.Errorf("ledger lookup for refund %s: %w", refund.ID, err)
		}

		tx := &billsync.LedgerTransaction{
			Gateway:              billsync.GatewayWallet,
			GatewayTransactionID: refund.ID,
			Amount:               refund.Amount,
			Currency:             strings.ToLower(refund.Currency),
			CreationDate:         time.Unix(refund.CreatedAt, 0).UTC(),
			Subscriber:           original.Subscriber,
			Type:                 billsync.TransactionRefund,
			PaymentMethod:        original.PaymentMethod,
			Details:              "refund of wallet sale " + sale.ID,
		}
		if _, err := p.repo.Create(ctx, tx); err != nil {
			if errors.Is(err, billsync.ErrDuplicateTransaction) {
				continue
			}
			return fmt.Errorf("ledger refund %s: %w", refund.ID, err)
		}
		p.metrics.RecordLedgerTransaction(gatewayName, string(billsync.TransactionRefund))
	}

	changed := false
	if total > original.RefundedAmount {
		original.RefundedAmount = total
		changed = true
	}
	if fullyRefunded := original.RefundedAmount >= original.Amount; fullyRefunded != original.Refunded {
		original.Refunded = fullyRefunded
		changed = true
	}
	if !changed {
		return nil
	}
	if err := p.repo.Replace(ctx, original); err != nil {
		return fmt.Errorf("update sale %s: %w", sale.ID, err)
	}
	return nil
}
