// Package postgres provides a PostgreSQL implementation of the
// billsync.Repository interface. The unique index on
// (gateway, gateway_transaction_id) is the idempotency constraint: the
// loser of a concurrent insert race observes it as a duplicate.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Config holds PostgreSQL repository configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string (required).
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Repository implements billsync.Repository using PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE billing_transactions (
//	    id                     TEXT PRIMARY KEY,
//	    gateway                TEXT NOT NULL,
//	    gateway_transaction_id TEXT NOT NULL,
//	    amount                 BIGINT NOT NULL,
//	    refunded_amount        BIGINT NOT NULL DEFAULT 0,
//	    refunded               BOOLEAN NOT NULL DEFAULT FALSE,
//	    currency               TEXT NOT NULL,
//	    creation_date          TIMESTAMPTZ NOT NULL,
//	    subscriber_kind        TEXT NOT NULL,
//	    subscriber_id          TEXT NOT NULL,
//	    type                   TEXT NOT NULL,
//	    payment_method         TEXT NOT NULL,
//	    details                TEXT NOT NULL DEFAULT '',
//	    UNIQUE (gateway, gateway_transaction_id)
//	);
//
//	CREATE TABLE billing_subscribers (
//	    kind            TEXT NOT NULL,
//	    id              TEXT NOT NULL,
//	    billing_email   TEXT NOT NULL DEFAULT '',
//	    plan_type       TEXT NOT NULL DEFAULT '',
//	    enabled         BOOLEAN NOT NULL DEFAULT FALSE,
//	    premium         BOOLEAN NOT NULL DEFAULT FALSE,
//	    expiration_date TIMESTAMPTZ,
//	    PRIMARY KEY (kind, id)
//	);
type Repository struct {
	pool   *pgxpool.Pool
	config Config
}

// New creates a new PostgreSQL repository.
func New(ctx context.Context, config Config) (*Repository, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Repository{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

const transactionColumns = `id, gateway, gateway_transaction_id, amount, refunded_amount,
	refunded, currency, creation_date, subscriber_kind, subscriber_id, type, payment_method, details`

func scanTransaction(row pgx.Row) (*billsync.LedgerTransaction, error) {
	var tx billsync.LedgerTransaction
	err := row.Scan(
		&tx.ID,
		&tx.Gateway,
		&tx.GatewayTransactionID,
		&tx.Amount,
		&tx.RefundedAmount,
		&tx.Refunded,
		&tx.Currency,
		&tx.CreationDate,
		&tx.Subscriber.Kind,
		&tx.Subscriber.ID,
		&tx.Type,
		&tx.PaymentMethod,
		&tx.Details,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetByGatewayID implements billsync.TransactionStore.
func (r *Repository) GetByGatewayID(ctx context.Context, gateway billsync.Gateway, gatewayTransactionID string) (*billsync.LedgerTransaction, error) {
	tx, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+`
			FROM billing_transactions
			WHERE gateway = $1 AND gateway_transaction_id = $2`,
		string(gateway), gatewayTransactionID))
	if err == pgx.ErrNoRows {
		return nil, billsync.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// Create implements billsync.TransactionStore. ON CONFLICT DO NOTHING makes
// the insert race-safe; zero rows affected means another delivery won.
func (r *Repository) Create(ctx context.Context, tx *billsync.LedgerTransaction) (*billsync.LedgerTransaction, error) {
	if tx == nil || tx.Gateway == "" || tx.GatewayTransactionID == "" {
		return nil, fmt.Errorf("invalid transaction")
	}

	txCopy := *tx
	if txCopy.ID == "" {
		txCopy.ID = string(txCopy.Gateway) + ":" + txCopy.GatewayTransactionID
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO billing_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (gateway, gateway_transaction_id) DO NOTHING`,
		txCopy.ID,
		string(txCopy.Gateway),
		txCopy.GatewayTransactionID,
		txCopy.Amount,
		txCopy.RefundedAmount,
		txCopy.Refunded,
		txCopy.Currency,
		txCopy.CreationDate,
		string(txCopy.Subscriber.Kind),
		txCopy.Subscriber.ID,
		string(txCopy.Type),
		string(txCopy.PaymentMethod),
		txCopy.Details,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, billsync.ErrDuplicateTransaction
	}
	return &txCopy, nil
}

// Replace implements billsync.TransactionStore.
func (r *Repository) Replace(ctx context.Context, tx *billsync.LedgerTransaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE billing_transactions SET
				amount = $2, refunded_amount = $3, refunded = $4, currency = $5,
				creation_date = $6, subscriber_kind = $7, subscriber_id = $8,
				type = $9, payment_method = $10, details = $11
			WHERE id = $1`,
		tx.ID,
		tx.Amount,
		tx.RefundedAmount,
		tx.Refunded,
		tx.Currency,
		tx.CreationDate,
		string(tx.Subscriber.Kind),
		tx.Subscriber.ID,
		string(tx.Type),
		string(tx.PaymentMethod),
		tx.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to replace transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billsync.ErrTransactionNotFound
	}
	return nil
}

// LatestBySubscriber implements billsync.TransactionStore.
func (r *Repository) LatestBySubscriber(ctx context.Context, ref billsync.SubscriberRef) (*billsync.LedgerTransaction, error) {
	tx, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+`
			FROM billing_transactions
			WHERE subscriber_kind = $1 AND subscriber_id = $2
			ORDER BY creation_date DESC
			LIMIT 1`,
		string(ref.Kind), ref.ID))
	if err == pgx.ErrNoRows {
		return nil, billsync.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest transaction: %w", err)
	}
	return tx, nil
}

// GetSubscriber implements billsync.SubscriberStore.
func (r *Repository) GetSubscriber(ctx context.Context, ref billsync.SubscriberRef) (billsync.Subscriber, error) {
	var (
		billingEmail   string
		planType       string
		enabled        bool
		premium        bool
		expirationDate *time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT billing_email, plan_type, enabled, premium, expiration_date
			FROM billing_subscribers
			WHERE kind = $1 AND id = $2`,
		string(ref.Kind), ref.ID).Scan(
		&billingEmail, &planType, &enabled, &premium, &expirationDate)
	if err == pgx.ErrNoRows {
		return nil, billsync.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}

	switch ref.Kind {
	case billsync.SubscriberOrganization:
		return &billsync.Organization{
			ID:             ref.ID,
			BillingEmail:   billingEmail,
			PlanType:       planType,
			Enabled:        enabled,
			ExpirationDate: expirationDate,
		}, nil
	case billsync.SubscriberUser:
		return &billsync.User{
			ID:                    ref.ID,
			Email:                 billingEmail,
			Premium:               premium,
			PremiumExpirationDate: expirationDate,
		}, nil
	case billsync.SubscriberProvider:
		return &billsync.Provider{
			ID:           ref.ID,
			BillingEmail: billingEmail,
		}, nil
	default:
		return nil, billsync.ErrSubscriberNotFound
	}
}

// ReplaceSubscriber implements billsync.SubscriberStore.
func (r *Repository) ReplaceSubscriber(ctx context.Context, sub billsync.Subscriber) error {
	if sub == nil || sub.Ref().IsZero() {
		return fmt.Errorf("invalid subscriber")
	}

	var (
		ref            = sub.Ref()
		billingEmail   string
		planType       string
		enabled        bool
		premium        bool
		expirationDate *time.Time
	)
	switch s := sub.(type) {
	case *billsync.Organization:
		billingEmail = s.BillingEmail
		planType = s.PlanType
		enabled = s.Enabled
		expirationDate = s.ExpirationDate
	case *billsync.User:
		billingEmail = s.Email
		premium = s.Premium
		expirationDate = s.PremiumExpirationDate
	case *billsync.Provider:
		billingEmail = s.BillingEmail
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO billing_subscribers (kind, id, billing_email, plan_type, enabled, premium, expiration_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (kind, id) DO UPDATE SET
				billing_email = EXCLUDED.billing_email,
				plan_type = EXCLUDED.plan_type,
				enabled = EXCLUDED.enabled,
				premium = EXCLUDED.premium,
				expiration_date = EXCLUDED.expiration_date`,
		string(ref.Kind), ref.ID, billingEmail, planType, enabled, premium, expirationDate,
	)
	if err != nil {
		return fmt.Errorf("failed to replace subscriber: %w", err)
	}
	return nil
}
