// Package stripecard integrates the primary card/ACH processor. It
// authenticates signed webhook deliveries, routes each event to exactly one
// handler, reconciles subscriber state, ledgers money movements at most
// once, and replays historical event windows for recovery.
package stripecard

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/gateway/internal"
)

const (
	gatewayName              = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultReplayParallelism = 8
	defaultRegion            = "US"
	primaryCurrency          = stripe.CurrencyUSD

	// duplicateChargeWindow is how recently a ledger transaction for the
	// same subscriber must have been created to suppress a wallet charge.
	duplicateChargeWindow = 24 * time.Hour

	// defaultMigrationSentinel marks cancellations caused by an internal
	// account migration or merge. Such cancellations must not disable the
	// subscriber, who keeps paying under a different subscription.
	defaultMigrationSentinel = "migrated to another account"

	// defaultRetryNoticeCeiling is the invoice attempt count at and above
	// which no further payment-failed email is sent.
	defaultRetryNoticeCeiling = 3
)

// Customer metadata keys consumed by the fallback chain.
const (
	metadataReceipt             = "appStoreReceipt"
	metadataWalletCustomerID    = "walletCustomerId"
	metadataWalletTransactionID = "walletTransactionId"
)

// WalletCharger submits a one-off sale through the digital-wallet processor
// on behalf of a subscriber. Returns the wallet-side transaction id.
type WalletCharger interface {
	Charge(ctx context.Context, walletCustomerID string, ref billsync.SubscriberRef, amount int64, currency, region string) (string, error)
}

// Receipt is a validated in-app-purchase receipt.
type Receipt struct {
	LatestTransactionID string
	UserID              string
	ProductID           string
	ExpiresAt           time.Time
}

// ReceiptValidator resolves an in-app-purchase receipt named in customer
// metadata into its current state.
type ReceiptValidator interface {
	Validate(ctx context.Context, receiptKey string) (*Receipt, error)
}

// Config configures the card processor gateway.
type Config struct {
	// Repository provides subscriber and ledger persistence (required).
	Repository billsync.Repository

	// APIKey authenticates outbound API calls (required unless Client is set).
	APIKey string

	// WebhookSecret verifies inbound event signatures (required).
	WebhookSecret string

	// ReplayKey protects the batch replay endpoint.
	ReplayKey string

	// Production rejects events not marked live.
	Production bool

	// PremiumPriceIDs are the known individual-premium price identifiers.
	// An unpaid user subscription still referencing one of these is
	// terminally cleaned up (canceled, open invoices voided).
	PremiumPriceIDs []string

	// MigrationSentinel overrides the cancellation comment substring that
	// marks internal migrations. Empty uses the default.
	MigrationSentinel string

	// EnableDelayedCancellation schedules a delayed cancellation job for
	// unpaid organizations instead of leaving them to churn through
	// failed-charge cycles.
	EnableDelayedCancellation bool

	// RetryNoticeCeiling overrides the attempt count at which payment-failed
	// email stops. Zero uses the default.
	RetryNoticeCeiling int64

	// Wallet and Receipts are the alternate settlement paths of the invoice
	// payment fallback chain. Either may be nil, disabling that path.
	Wallet   WalletCharger
	Receipts ReceiptValidator

	// External collaborators. Nil values default to no-ops.
	Mailer       billsync.Mailer
	Notifier     billsync.Notifier
	Sponsorships billsync.SponsorshipStore
	Scheduler    billsync.CancellationScheduler

	Logger  billsync.Logger
	Metrics billsync.Metrics

	// Client overrides the constructed API client. Used by tests and by
	// applications that share one client across components.
	Client *stripe.Client
}

// Provider implements gateway.Gateway and gateway.Replayer for the card
// processor. It is stateless; all state lives in the repository.
type Provider struct {
	repo               billsync.Repository
	client             *stripe.Client
	webhookSecret      []byte
	replayKey          string
	production         bool
	premiumPriceIDs    map[string]bool
	migrationSentinel  string
	delayedCancel      bool
	retryNoticeCeiling int64
	wallet             WalletCharger
	receipts           ReceiptValidator
	mailer             billsync.Mailer
	notifier           billsync.Notifier
	sponsorships       billsync.SponsorshipStore
	scheduler          billsync.CancellationScheduler
	rateLimiter        *internal.RateLimiter
	logger             billsync.Logger
	metrics            billsync.Metrics
}

// New creates the card processor gateway.
func New(config Config) (*Provider, error) {
	if config.Repository == nil {
		return nil, billsync.ErrInvalidConfig
	}

	client := config.Client
	if client == nil {
		apiKey := strings.TrimSpace(config.APIKey)
		if apiKey == "" {
			return nil, billsync.ErrInvalidConfig
		}
		client = stripe.NewClient(apiKey)
	}

	premium := make(map[string]bool, len(config.PremiumPriceIDs))
	for _, id := range config.PremiumPriceIDs {
		premium[strings.TrimSpace(id)] = true
	}

	sentinel := strings.TrimSpace(config.MigrationSentinel)
	if sentinel == "" {
		sentinel = defaultMigrationSentinel
	}

	ceiling := config.RetryNoticeCeiling
	if ceiling <= 0 {
		ceiling = defaultRetryNoticeCeiling
	}

	p := &Provider{
		repo:               config.Repository,
		client:             client,
		webhookSecret:      []byte(strings.TrimSpace(config.WebhookSecret)),
		replayKey:          strings.TrimSpace(config.ReplayKey),
		production:         config.Production,
		premiumPriceIDs:    premium,
		migrationSentinel:  sentinel,
		delayedCancel:      config.EnableDelayedCancellation,
		retryNoticeCeiling: ceiling,
		wallet:             config.Wallet,
		receipts:           config.Receipts,
		mailer:             config.Mailer,
		notifier:           config.Notifier,
		sponsorships:       config.Sponsorships,
		scheduler:          config.Scheduler,
		rateLimiter:        internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		logger:             config.Logger,
		metrics:            config.Metrics,
	}
	if p.mailer == nil {
		p.mailer = billsync.NoopMailer{}
	}
	if p.notifier == nil {
		p.notifier = billsync.NoopNotifier{}
	}
	if p.sponsorships == nil {
		p.sponsorships = billsync.NoopSponsorshipStore{}
	}
	if p.scheduler == nil {
		p.scheduler = billsync.NoopScheduler{}
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

// WebhookHandler returns the HTTP handler for inbound signed events.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
