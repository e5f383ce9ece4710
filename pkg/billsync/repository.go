package billsync

import "context"

// TransactionStore is the ledger repository contract. The storage layer is
// expected to enforce a uniqueness constraint on
// (gateway, gateway transaction id); that constraint is load-bearing for
// idempotency. Two concurrent deliveries may both attempt Create for the
// same key; exactly one wins and the loser receives ErrDuplicateTransaction.
type TransactionStore interface {
	// GetByGatewayID retrieves a transaction by its idempotency key.
	// Returns ErrTransactionNotFound when no record exists.
	GetByGatewayID(ctx context.Context, gateway Gateway, gatewayTransactionID string) (*LedgerTransaction, error)

	// Create inserts a new transaction. Returns ErrDuplicateTransaction when
	// the (gateway, gateway transaction id) key already exists.
	Create(ctx context.Context, tx *LedgerTransaction) (*LedgerTransaction, error)

	// Replace overwrites an existing transaction by ID. Only RefundedAmount
	// and Refunded legitimately change after creation.
	Replace(ctx context.Context, tx *LedgerTransaction) error

	// LatestBySubscriber returns the most recently created transaction for a
	// subscriber, or ErrTransactionNotFound when none exists. Used by the
	// duplicate-charge guard in the invoice payment fallback chain.
	LatestBySubscriber(ctx context.Context, ref SubscriberRef) (*LedgerTransaction, error)
}

// SubscriberStore is the subscriber repository contract.
type SubscriberStore interface {
	// GetSubscriber retrieves the subscriber a reference points at.
	// Returns ErrSubscriberNotFound when it does not exist.
	GetSubscriber(ctx context.Context, ref SubscriberRef) (Subscriber, error)

	// ReplaceSubscriber persists subscriber state by replace-by-id.
	ReplaceSubscriber(ctx context.Context, sub Subscriber) error
}

// Repository combines the ledger and subscriber stores. All state lives
// behind this interface; the engine keeps no in-process mutable state.
type Repository interface {
	TransactionStore
	SubscriberStore
}
