package appstore

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

// Config configures the in-app-purchase gateway.
type Config struct {
	// Repository provides subscriber and ledger persistence (required).
	Repository billsync.Repository

	// WebhookKey is the shared secret notifications carry (required).
	WebhookKey string

	Logger  billsync.Logger
	Metrics billsync.Metrics
}

// Provider implements gateway.Gateway for the store's server notifications.
// Renewals ledger a charge and push the user's premium expiration forward;
// refunds accumulate onto the original transaction.
type Provider struct {
	repo        billsync.Repository
	webhookKey  string
	rateLimiter *internal.RateLimiter
	logger      billsync.Logger
	metrics     billsync.Metrics
}

// New creates the in-app-purchase gateway.
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

type notification struct {
	Type        string           `json:"notificationType"`
	Transaction iapTransaction   `json:"transaction"`
	Refunds     []iapTransaction `json:"refunds,omitempty"`
}

type iapTransaction struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	ProductID   string `json:"productId"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	PurchasedAt int64  `json:"purchasedAtMs"`
	ExpiresAt   int64  `json:"expiresAtMs"`
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

	var note notification
	if err := internal.ParseJSONStrict(body, &note); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		p.metrics.RecordWebhookError(gatewayName, "invalid_payload")
		return
	}

	eventType := strings.TrimSpace(note.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.dispatch(r.Context(), eventType, &note); err != nil {
		p.logger.Error("event processing failed",
			billsync.Field{Key: "gateway", Value: gatewayName},
			billsync.Field{Key: "transaction_id", Value: note.Transaction.ID},
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

func (p *Provider) dispatch(ctx context.Context, eventType string, note *notification) error {
	switch eventType {
	case "SUBSCRIBED", "DID_RENEW":
		return p.handleRenewal(ctx, &note.Transaction)
	case "REFUND":
		return p.handleRefund(ctx, note)
	default:
		p.logger.Warn("unhandled event type",
			billsync.Field{Key: "gateway", Value: gatewayName},
			billsync.Field{Key: "event_type", Value: eventType})
		p.metrics.RecordWebhookEvent(gatewayName, eventType, "ignored")
		return nil
	}
}

// handleRenewal ledgers the purchase and pushes the user's premium
// expiration forward. Redeliveries still converge the expiration date, so
// an already-ledgered transaction is not an early return for state sync.
func (p *Provider) handleRenewal(ctx context.Context, txn *iapTransaction) error {
	if txn.ID == "" || txn.UserID == "" {
		return fmt.Errorf("%w: transaction without id or user", billsync.ErrInvalidPayload)
	}
	ref := billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: txn.UserID}

	tx := &billsync.LedgerTransaction{
		Gateway:              billsync.GatewayAppStore,
		GatewayTransactionID: txn.ID,
		Amount:               txn.Amount,
		Currency:             strings.ToLower(txn.Currency),
		CreationDate:         time.Unix(0, txn.PurchasedAt*int64(time.Millisecond)).UTC(),
		Subscriber:           ref,
		Type:                 billsync.TransactionCharge,
		PaymentMethod:        billsync.PaymentMethodAppStore,
		Details:              "in-app purchase " + txn.ProductID,
	}
	if _, err := p.repo.Create(ctx, tx); err != nil && !errors.Is(err, billsync.ErrDuplicateTransaction) {
		return fmt.Errorf("ledger purchase %s: %w", txn.ID, err)
	} else if err == nil {
		p.metrics.RecordLedgerTransaction(gatewayName, string(billsync.TransactionCharge))
	}

	return p.extendPremium(ctx, ref, txn.ExpiresAt)
}

// extendPremium sets the user premium and moves the expiration forward,
// never backward, so out-of-order renewals converge.
func (p *Provider) extendPremium(ctx context.Context, ref billsync.SubscriberRef, expiresAtMs int64) error {
	if expiresAtMs <= 0 {
		return nil
	}
	expiresAt := time.Unix(0, expiresAtMs*int64(time.Millisecond)).UTC()

	sub, err := p.repo.GetSubscriber(ctx, ref)
	if err != nil {
		if errors.Is(err, billsync.ErrSubscriberNotFound) {
			p.logger.Info("purchase for unknown user",
				billsync.Field{Key: "user_id", Value: ref.ID})
			return nil
		}
		return fmt.Errorf("load user %s: %w", ref.ID, err)
	}
	user, ok := sub.(*billsync.User)
	if !ok {
		return fmt.Errorf("subscriber %s is not a user", ref.ID)
	}

	if user.Premium && user.PremiumExpirationDate != nil && !user.PremiumExpirationDate.Before(expiresAt) {
		return nil
	}
	user.Premium = true
	user.PremiumExpirationDate = &expiresAt
	if err := p.repo.ReplaceSubscriber(ctx, user); err != nil {
		return fmt.Errorf("update user %s: %w", ref.ID, err)
	}
	return nil
}

// handleRefund creates one refund record per sub-object not already
// ledgered, then sets the original purchase's refunded total from the
// notification's refund list, clamped to the purchase amount and never
// moving backward. Deriving the total from the notification rather than
// incrementing on first ledgering means a redelivery repairs a total lost
// to a write failure on an earlier delivery.
func (p *Provider) handleRefund(ctx context.Context, note *notification) error {
	txn := &note.Transaction
	if txn.ID == "" {
		return fmt.Errorf("%w: refund without transaction id", billsync.ErrInvalidPayload)
	}

	original, err := p.repo.GetByGatewayID(ctx, billsync.GatewayAppStore, txn.ID)
	if err != nil {
		if errors.Is(err, billsync.ErrTransactionNotFound) {
			return fmt.Errorf("refund for unknown purchase %s: %w", txn.ID, billsync.ErrTransactionNotFound)
		}
		return fmt.Errorf("ledger lookup for purchase %s: %w", txn.ID, err)
	}

	refunds := note.Refunds
	if len(refunds) == 0 {
		// Stores that omit refund sub-objects refund the full purchase.
		refunds = []iapTransaction{{
			ID:          txn.ID + "_refund",
			Amount:      original.Amount,
			Currency:    original.Currency,
			PurchasedAt: time.Now().UnixMilli(),
		}}
	}

	var total int64
	for _, refund := range refunds {
		total += refund.Amount
	}
	if total > original.Amount {
		total = original.Amount
	}

	for _, refund := range refunds {
		if refund.ID == "" {
			continue
		}
		if _, err := p.repo.GetByGatewayID(ctx, billsync.GatewayAppStore, refund.ID); err == nil {
			continue
		} else if !errors.Is(err, billsync.ErrTransactionNotFound) {
			return fmt.Errorf("ledger lookup for refund %s: %w", refund.ID, err)
		}

		tx := &billsync.LedgerTransaction{
			Gateway:              billsync.GatewayAppStore,
			GatewayTransactionID: refund.ID,
			Amount:               refund.Amount,
			Currency:             strings.ToLower(refund.Currency),
			CreationDate:         time.Unix(0, refund.PurchasedAt*int64(time.Millisecond)).UTC(),
			Subscriber:           original.Subscriber,
			Type:                 billsync.TransactionRefund,
			PaymentMethod:        original.PaymentMethod,
			Details:              "refund of in-app purchase " + txn.ID,
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
		return fmt.Errorf("update purchase %s: %w", txn.ID, err)
	}
	return nil
}
