// Package appstore integrates the mobile in-app-purchase notifier. Validator
// resolves stored receipts against the store's verification API; Provider
// ledgers the server notifications the store delivers to its key-verified
// webhook and keeps user premium expiration in sync with renewals.
package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/gateway/stripecard"
)

const (
	gatewayName        = "app_store"
	defaultHTTPTimeout = 10 * time.Second
)

// ValidatorConfig configures the receipt verification client.
type ValidatorConfig struct {
	// BaseURL is the store verification API root (required).
	BaseURL string

	// SharedSecret authenticates verification calls (required).
	SharedSecret string

	// HTTPClient overrides the default client with a 10s timeout.
	HTTPClient *http.Client

	Logger  billsync.Logger
	Metrics billsync.Metrics
}

// Validator resolves in-app-purchase receipts into their current state. It
// satisfies the card gateway's receipt-validation dependency for the invoice
// payment fallback chain.
type Validator struct {
	baseURL      string
	sharedSecret string
	httpClient   *http.Client
	logger       billsync.Logger
	metrics      billsync.Metrics
}

// NewValidator creates a receipt verification client.
func NewValidator(config ValidatorConfig) (*Validator, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	secret := strings.TrimSpace(config.SharedSecret)
	if baseURL == "" || secret == "" {
		return nil, billsync.ErrInvalidConfig
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	v := &Validator{
		baseURL:      baseURL,
		sharedSecret: secret,
		httpClient:   httpClient,
		logger:       config.Logger,
		metrics:      config.Metrics,
	}
	if v.logger == nil {
		v.logger = &billsync.NoopLogger{}
	}
	if v.metrics == nil {
		v.metrics = &billsync.NoopMetrics{}
	}
	return v, nil
}

type verifyRequest struct {
	ReceiptData  string `json:"receiptData"`
	SharedSecret string `json:"sharedSecret"`
}

type verifyResponse struct {
	Status              int    `json:"status"`
	LatestTransactionID string `json:"latestTransactionId"`
	UserID              string `json:"userId"`
	ProductID           string `json:"productId"`
	ExpiresAtMs         int64  `json:"expiresAtMs"`
}

// Validate posts the stored receipt to the verification API and returns its
// current state. A non-zero store status means the receipt can never
// validate and is not retried.
func (v *Validator) Validate(ctx context.Context, receiptKey string) (*stripecard.Receipt, error) {
	receiptKey = strings.TrimSpace(receiptKey)
	if receiptKey == "" {
		return nil, fmt.Errorf("%w: empty receipt", billsync.ErrInvalidPayload)
	}

	payload, err := json.Marshal(verifyRequest{
		ReceiptData:  receiptKey,
		SharedSecret: v.sharedSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("encode verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.baseURL+"/verifyReceipt", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	res, err := v.httpClient.Do(httpReq)
	if err != nil {
		v.metrics.RecordAPICall(gatewayName, "/verifyReceipt", "error")
		return nil, fmt.Errorf("%w: verify receipt: %v", billsync.ErrGatewayUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		v.metrics.RecordAPICall(gatewayName, "/verifyReceipt", "error")
		return nil, fmt.Errorf("read verify response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		v.metrics.RecordAPICall(gatewayName, "/verifyReceipt", "error")
		return nil, fmt.Errorf("%w: verify receipt status %d", billsync.ErrGatewayUnavailable, res.StatusCode)
	}

	var out verifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		v.metrics.RecordAPICall(gatewayName, "/verifyReceipt", "error")
		return nil, fmt.Errorf("parse verify response: %w", err)
	}
	if out.Status != 0 {
		v.metrics.RecordAPICall(gatewayName, "/verifyReceipt", "invalid_receipt")
		return nil, fmt.Errorf("%w: receipt rejected with status %d", billsync.ErrInvalidPayload, out.Status)
	}
	v.metrics.RecordAPICall(gatewayName, "/verifyReceipt", "success")

	return &stripecard.Receipt{
		LatestTransactionID: out.LatestTransactionID,
		UserID:              out.UserID,
		ProductID:           out.ProductID,
		ExpiresAt:           time.Unix(0, out.ExpiresAtMs*int64(time.Millisecond)).UTC(),
	}, nil
}
