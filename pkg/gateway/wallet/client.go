// Package wallet integrates the digital-wallet processor. Client submits
// sale requests over the processor's REST API with bounded retry; Provider
// ledgers the settlement and refund notifications the processor delivers to
// its key-verified webhook.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	gatewayName        = "wallet"
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxAttempts = 3
	backoffBase        = 250 * time.Millisecond
)

// ClientConfig configures the outbound wallet-processor API client.
type ClientConfig struct {
	// BaseURL is the processor API root, e.g. "https://api.wallet.example/v2"
	// (required).
	BaseURL string

	// APIKey authenticates outbound calls (required).
	APIKey string

	// HTTPClient overrides the default client with a 10s timeout.
	HTTPClient *http.Client

	// MaxAttempts bounds the retry loop. Zero uses the default of 3.
	MaxAttempts int

	Logger  billsync.Logger
	Metrics billsync.Metrics
}

// Client calls the wallet processor's REST API. The processor rate-limits
// aggressively, so transient failures (429, 5xx, network) are retried with
// jittered exponential backoff up to MaxAttempts.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxAttempts int
	logger      billsync.Logger
	metrics     billsync.Metrics
}

// NewClient creates a wallet-processor API client.
func NewClient(config ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	apiKey := strings.TrimSpace(config.APIKey)
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}
	if baseURL == "" || apiKey == "" {
		return nil, billsync.ErrInvalidConfig
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	c := &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		httpClient:  httpClient,
		maxAttempts: maxAttempts,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}
	if c.logger == nil {
		c.logger = &billsync.NoopLogger{}
	}
	if c.metrics == nil {
		c.metrics = &billsync.NoopMetrics{}
	}
	return c, nil
}

// SaleRequest is one sale submission.
type SaleRequest struct {
	CustomerID string            `json:"customerId"`
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	Region     string            `json:"region"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sale is the processor's view of a sale transaction.
type Sale struct {
	ID         string            `json:"id"`
	CustomerID string            `json:"customerId"`
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	Status     string            `json:"status"`
	CreatedAt  int64             `json:"createdAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Refunds    []Refund          `json:"refunds,omitempty"`
}

// Refund is one refund sub-object on a sale.
type Refund struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	CreatedAt int64  `json:"createdAt"`
}

type saleEnvelope struct {
	Sale Sale `json:"sale"`
}

// SubmitSale posts one sale to the processor and returns the created sale.
func (c *Client) SubmitSale(ctx context.Context, req SaleRequest) (*Sale, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode sale request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithJitter(ctx, attempt); err != nil {
				return nil, err
			}
		}

		sale, retryable, err := c.postSale(ctx, payload)
		if err == nil {
			c.metrics.RecordAPICall(gatewayName, "/sales", "success")
			return sale, nil
		}
		lastErr = err
		if !retryable {
			c.metrics.RecordAPICall(gatewayName, "/sales", "error")
			return nil, err
		}
		c.logger.Warn("wallet sale attempt failed",
			billsync.Field{Key: "attempt", Value: attempt + 1},
			billsync.Field{Key: "error", Value: err.Error()})
	}
	c.metrics.RecordAPICall(gatewayName, "/sales", "error")
	return nil, fmt.Errorf("%w: sale after %d attempts: %v",
		billsync.ErrGatewayUnavailable, c.maxAttempts, lastErr)
}

// postSale performs one attempt. The second return reports whether the
// failure is worth retrying.
func (c *Client) postSale(ctx context.Context, payload []byte) (*Sale, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sales", bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("submit sale: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read sale response: %w", err)
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		var env saleEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, false, fmt.Errorf("parse sale response: %w", err)
		}
		if env.Sale.ID == "" {
			return nil, false, fmt.Errorf("sale response missing id")
		}
		return &env.Sale, false, nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, true, fmt.Errorf("wallet API status %d", res.StatusCode)
	default:
		return nil, false, fmt.Errorf("wallet API status %d: %s", res.StatusCode, string(body))
	}
}

// Charge submits a sale tagged with the subscriber reference and region.
// Returns the processor-side transaction id.
func (c *Client) Charge(ctx context.Context, walletCustomerID string, ref billsync.SubscriberRef, amount int64, currency, region string) (string, error) {
	metadata := make(map[string]string, 1)
	switch ref.Kind {
	case billsync.SubscriberOrganization:
		metadata[billsync.MetadataOrganizationID] = ref.ID
	case billsync.SubscriberUser:
		metadata[billsync.MetadataUserID] = ref.ID
	case billsync.SubscriberProvider:
		metadata[billsync.MetadataProviderID] = ref.ID
	}

	sale, err := c.SubmitSale(ctx, SaleRequest{
		CustomerID: walletCustomerID,
		Amount:     amount,
		Currency:   currency,
		Region:     region,
		Metadata:   metadata,
	})
	if err != nil {
		return "", err
	}
	return sale.ID, nil
}

// sleepWithJitter waits before retry attempt n, honoring cancellation.
func sleepWithJitter(ctx context.Context, attempt int) error {
	backoff := backoffBase << (attempt - 1)
	backoff += time.Duration(rand.Int63n(int64(backoffBase))) //nolint:gosec // jitter, not crypto

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
