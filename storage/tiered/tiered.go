// Package tiered provides a Hot/Cold tiered repository that layers fast
// ephemeral storage (Hot) over durable persistent storage (Cold). Reads go
// through the hot tier; writes go to cold first, since the cold tier's
// uniqueness constraint is the idempotency authority.
package tiered

import (
	"context"
	"errors"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Config configures the tiered repository.
type Config struct {
	// Hot is the L1 cache repository (e.g., Redis, Memory).
	Hot billsync.Repository

	// Cold is the L2 durable repository (e.g., Postgres, Firestore), the
	// source of truth for idempotency decisions.
	Cold billsync.Repository
}

// Repository implements billsync.Repository over a hot/cold pair.
//
// Strategy per operation:
//   - Create: cold decides the insert race; the hot copy is best-effort.
//   - GetByGatewayID / GetSubscriber: read-through with hot backfill.
//   - Replace / ReplaceSubscriber: write-through, cold first.
//   - LatestBySubscriber: cold only. The duplicate-charge guard needs a
//     complete view, and the hot tier may have evicted recent records.
type Repository struct {
	hot  billsync.Repository
	cold billsync.Repository
}

// New creates a new tiered repository.
func New(config Config) (*Repository, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered repository: both hot and cold are required")
	}
	return &Repository{hot: config.Hot, cold: config.Cold}, nil
}

// GetByGatewayID implements billsync.TransactionStore.
func (r *Repository) GetByGatewayID(ctx context.Context, gateway billsync.Gateway, gatewayTransactionID string) (*billsync.LedgerTransaction, error) {
	if tx, err := r.hot.GetByGatewayID(ctx, gateway, gatewayTransactionID); err == nil {
		return tx, nil
	}

	tx, err := r.cold.GetByGatewayID(ctx, gateway, gatewayTransactionID)
	if err != nil {
		return nil, err
	}
	// Backfill failure only costs the next read a cold round trip.
	_, _ = r.hot.Create(ctx, tx)
	return tx, nil
}

// Create implements billsync.TransactionStore.
func (r *Repository) Create(ctx context.Context, tx *billsync.LedgerTransaction) (*billsync.LedgerTransaction, error) {
	created, err := r.cold.Create(ctx, tx)
	if err != nil {
		return nil, err
	}
	_, _ = r.hot.Create(ctx, created)
	return created, nil
}

// Replace implements billsync.TransactionStore.
func (r *Repository) Replace(ctx context.Context, tx *billsync.LedgerTransaction) error {
	if err := r.cold.Replace(ctx, tx); err != nil {
		return err
	}
	if err := r.hot.Replace(ctx, tx); err != nil && errors.Is(err, billsync.ErrTransactionNotFound) {
		_, _ = r.hot.Create(ctx, tx)
	}
	return nil
}

// LatestBySubscriber implements billsync.TransactionStore.
func (r *Repository) LatestBySubscriber(ctx context.Context, ref billsync.SubscriberRef) (*billsync.LedgerTransaction, error) {
	return r.cold.LatestBySubscriber(ctx, ref)
}

// GetSubscriber implements billsync.SubscriberStore.
func (r *Repository) GetSubscriber(ctx context.Context, ref billsync.SubscriberRef) (billsync.Subscriber, error) {
	if sub, err := r.hot.GetSubscriber(ctx, ref); err == nil {
		return sub, nil
	}

	sub, err := r.cold.GetSubscriber(ctx, ref)
	if err != nil {
		return nil, err
	}
	_ = r.hot.ReplaceSubscriber(ctx, sub)
	return sub, nil
}

// ReplaceSubscriber implements billsync.SubscriberStore.
func (r *Repository) ReplaceSubscriber(ctx context.Context, sub billsync.Subscriber) error {
	if err := r.cold.ReplaceSubscriber(ctx, sub); err != nil {
		return err
	}
	_ = r.hot.ReplaceSubscriber(ctx, sub)
	return nil
}
