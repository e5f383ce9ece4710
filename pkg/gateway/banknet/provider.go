// Package banknet integrates the bank-transfer settlement network. The
// network batches incoming transfers and notifies settlement once funds
// clear; each cleared settlement is ledgered as a credit, at most once per
// settlement id.
package banknet

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
	gatewayName              = "bank_network"
	maxWebhookBody           = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config configures the settlement network gateway.
type Config struct {
	// Repository provides subscriber and ledger persistence (required).
	Repository billsync.Repository

	// WebhookKey is the shared secret notifications carry (required).
	WebhookKey string

	Logger  billsync.Logger
	Metrics billsync.Metrics
}

// Provider implements gateway.Gateway for the settlement network.
type Provider struct {
	repo        billsync.Repository
	webhookKey  string
	rateLimiter *internal.RateLimiter
	logger      billsync.Logger
	metrics     billsync.Metrics
}

// New creates the settlement network gateway.
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

type settlementNotification struct {
	Type       string       `json:"type"`
	Settlement []settlement `json:"settlements"`
}

type settlement struct {
	ID        string            `json:"id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	ClearedAt int64             `json:"clearedAt"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
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

	var note settlementNotification
	if err := internal.ParseJSONStrict(body, &note); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		p.metrics.RecordWebhookError(gatewayName, "invalid_payload")
		return
	}

	eventType := strings.TrimSpace(note.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if eventType != "settlement.cleared" {
		p.logger.Warn("unhandled event type",
			billsync.Field{Key: "gateway", Value: gatewayName},
			billsync.Field{Key: "event_type", Value: eventType})
		p.metrics.RecordWebhookEvent(gatewayName, eventType, "ignored")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}

	if err := p.handleSettlementCleared(r.Context(), note.Settlement); err != nil {
		p.logger.Error("event processing failed",
			billsync.Field{Key: "gateway", Value: gatewayName},
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

// handleSettlementCleared ledgers one credit per first-seen settlement. A
// batch is processed front to back; the first persistent failure aborts the
// rest so the network redelivers the whole notification, and idempotency
// makes the partial overlap harmless.
func (p *Provider) handleSettlementCleared(ctx context.Context, settlements []settlement) error {
	for i := range settlements {
		s := &settlements[i]
		if s.ID == "" {
			return fmt.Errorf("%w: settlement without id", billsync.ErrInvalidPayload)
		}

		ref := billsync.ResolveSubscriber(s.Metadata)
		if ref.IsZero() {
			p.logger.Info("settlement not attributable to a subscriber",
				billsync.Field{Key: "settlement_id", Value: s.ID})
			continue
		}

		tx := &billsync.LedgerTransaction{
			Gateway:              billsync.GatewayBankNet,
			GatewayTransactionID: s.ID,
			Amount:               s.Amount,
			Currency:             strings.ToLower(s.Currency),
			CreationDate:         time.Unix(s.ClearedAt, 0).UTC(),
			Subscriber:           ref,
			Type:                 billsync.TransactionCredit,
			PaymentMethod:        billsync.PaymentMethodACHCredit,
			Details:              "bank settlement " + s.Reference,
		}
		if _, err := p.repo.Create(ctx, tx); err != nil {
			if errors.Is(err, billsync.ErrDuplicateTransaction) {
				continue
			}
			return fmt.Errorf("ledger settlement %s: %w", s.ID, err)
		}
		p.metrics.RecordLedgerTransaction(gatewayName, string(billsync.TransactionCredit))
	}
	return nil
}
