// Package redis provides a Redis implementation of the billsync.Repository
// interface. The ledger's at-most-once insert uses SETNX on the
// (gateway, gateway transaction id) key; a per-subscriber sorted set keyed
// by creation time serves the latest-transaction lookup.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Config holds Redis repository configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:").
	KeyPrefix string

	// TransactionTTL is the TTL for ledger keys (0 = no expiration).
	// Ledger records are the idempotency source of truth; expire them only
	// when the gateway's redelivery horizon is shorter than the TTL.
	TransactionTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "billsync:",
		TransactionTTL: 0,
	}
}

// Repository implements billsync.Repository using Redis.
type Repository struct {
	client redis.UniversalClient
	config Config
}

// New creates a new Redis repository.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Repository, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}
	return &Repository{client: client, config: config}, nil
}

func (r *Repository) txKey(gateway billsync.Gateway, gatewayTransactionID string) string {
	return r.config.KeyPrefix + "tx:" + string(gateway) + ":" + gatewayTransactionID
}

func (r *Repository) txIDKey(id string) string {
	return r.config.KeyPrefix + "txid:" + id
}

func (r *Repository) subscriberTxsKey(ref billsync.SubscriberRef) string {
	return r.config.KeyPrefix + "subtx:" + string(ref.Kind) + ":" + ref.ID
}

func (r *Repository) subscriberKey(ref billsync.SubscriberRef) string {
	return r.config.KeyPrefix + "subscriber:" + string(ref.Kind) + ":" + ref.ID
}

// GetByGatewayID implements billsync.TransactionStore.
func (r *Repository) GetByGatewayID(ctx context.Context, gateway billsync.Gateway, gatewayTransactionID string) (*billsync.LedgerTransaction, error) {
	return r.getTx(ctx, r.txKey(gateway, gatewayTransactionID))
}

func (r *Repository) getTx(ctx context.Context, key string) (*billsync.LedgerTransaction, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, billsync.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	var tx billsync.LedgerTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &tx, nil
}

// Create implements billsync.TransactionStore. SETNX on the idempotency key
// decides the winner of concurrent deliveries; the id index and the
// per-subscriber sorted set are written only by the winner.
func (r *Repository) Create(ctx context.Context, tx *billsync.LedgerTransaction) (*billsync.LedgerTransaction, error) {
	if tx == nil || tx.Gateway == "" || tx.GatewayTransactionID == "" {
		return nil, fmt.Errorf("invalid transaction")
	}

	txCopy := *tx
	if txCopy.ID == "" {
		txCopy.ID = string(txCopy.Gateway) + ":" + txCopy.GatewayTransactionID
	}
	data, err := json.Marshal(&txCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	key := r.txKey(txCopy.Gateway, txCopy.GatewayTransactionID)
	created, err := r.client.SetNX(ctx, key, data, r.config.TransactionTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if !created {
		return nil, billsync.ErrDuplicateTransaction
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.txIDKey(txCopy.ID), key, r.config.TransactionTTL)
	if !txCopy.Subscriber.IsZero() {
		pipe.ZAdd(ctx, r.subscriberTxsKey(txCopy.Subscriber), redis.Z{
			Score:  float64(txCopy.CreationDate.Unix()),
			Member: key,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to index transaction: %w", err)
	}
	return &txCopy, nil
}

// Replace implements billsync.TransactionStore.
func (r *Repository) Replace(ctx context.Context, tx *billsync.LedgerTransaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	key, err := r.client.Get(ctx, r.txIDKey(tx.ID)).Result()
	if err == redis.Nil {
		return billsync.ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve transaction id: %w", err)
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	if err := r.client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to replace transaction: %w", err)
	}
	return nil
}

// LatestBySubscriber implements billsync.TransactionStore.
func (r *Repository) LatestBySubscriber(ctx context.Context, ref billsync.SubscriberRef) (*billsync.LedgerTransaction, error) {
	keys, err := r.client.ZRevRange(ctx, r.subscriberTxsKey(ref), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriber transactions: %w", err)
	}
	if len(keys) == 0 {
		return nil, billsync.ErrTransactionNotFound
	}
	return r.getTx(ctx, keys[0])
}

// subscriberRecord is the stored subscriber shape; Kind discriminates which
// variant the remaining fields describe.
type subscriberRecord struct {
	Kind           billsync.SubscriberKind `json:"kind"`
	ID             string                  `json:"id"`
	BillingEmail   string                  `json:"billingEmail,omitempty"`
	PlanType       string                  `json:"planType,omitempty"`
	Enabled        bool                    `json:"enabled,omitempty"`
	Premium        bool                    `json:"premium,omitempty"`
	ExpirationDate *time.Time              `json:"expirationDate,omitempty"`
}

func (rec *subscriberRecord) toSubscriber() billsync.Subscriber {
	switch rec.Kind {
	case billsync.SubscriberOrganization:
		return &billsync.Organization{
			ID:             rec.ID,
			BillingEmail:   rec.BillingEmail,
			PlanType:       rec.PlanType,
			Enabled:        rec.Enabled,
			ExpirationDate: rec.ExpirationDate,
		}
	case billsync.SubscriberUser:
		return &billsync.User{
			ID:                    rec.ID,
			Email:                 rec.BillingEmail,
			Premium:               rec.Premium,
			PremiumExpirationDate: rec.ExpirationDate,
		}
	case billsync.SubscriberProvider:
		return &billsync.Provider{
			ID:           rec.ID,
			BillingEmail: rec.BillingEmail,
		}
	default:
		return nil
	}
}

func recordFromSubscriber(sub billsync.Subscriber) *subscriberRecord {
	switch s := sub.(type) {
	case *billsync.Organization:
		return &subscriberRecord{
			Kind:           billsync.SubscriberOrganization,
			ID:             s.ID,
			BillingEmail:   s.BillingEmail,
			PlanType:       s.PlanType,
			Enabled:        s.Enabled,
			ExpirationDate: s.ExpirationDate,
		}
	case *billsync.User:
		return &subscriberRecord{
			Kind:           billsync.SubscriberUser,
			ID:             s.ID,
			BillingEmail:   s.Email,
			Premium:        s.Premium,
			ExpirationDate: s.PremiumExpirationDate,
		}
	case *billsync.Provider:
		return &subscriberRecord{
			Kind:         billsync.SubscriberProvider,
			ID:           s.ID,
			BillingEmail: s.BillingEmail,
		}
	default:
		return nil
	}
}

// GetSubscriber implements billsync.SubscriberStore.
func (r *Repository) GetSubscriber(ctx context.Context, ref billsync.SubscriberRef) (billsync.Subscriber, error) {
	data, err := r.client.Get(ctx, r.subscriberKey(ref)).Bytes()
	if err == redis.Nil {
		return nil, billsync.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	var rec subscriberRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode subscriber: %w", err)
	}
	sub := rec.toSubscriber()
	if sub == nil {
		return nil, billsync.ErrSubscriberNotFound
	}
	return sub, nil
}

// ReplaceSubscriber implements billsync.SubscriberStore.
func (r *Repository) ReplaceSubscriber(ctx context.Context, sub billsync.Subscriber) error {
	if sub == nil || sub.Ref().IsZero() {
		return fmt.Errorf("invalid subscriber")
	}
	rec := recordFromSubscriber(sub)
	if rec == nil {
		return fmt.Errorf("unsupported subscriber type %T", sub)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode subscriber: %w", err)
	}
	if err := r.client.Set(ctx, r.subscriberKey(sub.Ref()), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to replace subscriber: %w", err)
	}
	return nil
}
