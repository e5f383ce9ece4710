// Package memory provides an in-memory implementation of the
// billsync.Repository interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Repository implements billsync.Repository using in-memory maps.
type Repository struct {
	mu           sync.RWMutex
	transactions map[string]*billsync.LedgerTransaction // keyed by gateway:gatewayTransactionID
	byID         map[string]*billsync.LedgerTransaction
	order        map[string]int64 // insertion sequence, tie-breaks LatestBySubscriber
	subscribers  map[billsync.SubscriberRef]billsync.Subscriber
	seq          int64
}

// New creates a new in-memory repository.
func New() *Repository {
	return &Repository{
		transactions: make(map[string]*billsync.LedgerTransaction),
		byID:         make(map[string]*billsync.LedgerTransaction),
		order:        make(map[string]int64),
		subscribers:  make(map[billsync.SubscriberRef]billsync.Subscriber),
	}
}

func ledgerKey(gateway billsync.Gateway, gatewayTransactionID string) string {
	return string(gateway) + ":" + gatewayTransactionID
}

// GetByGatewayID implements billsync.TransactionStore.
func (r *Repository) GetByGatewayID(ctx context.Context, gateway billsync.Gateway, gatewayTransactionID string) (*billsync.LedgerTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.transactions[ledgerKey(gateway, gatewayTransactionID)]
	if !ok {
		return nil, billsync.ErrTransactionNotFound
	}
	txCopy := *tx
	return &txCopy, nil
}

// Create implements billsync.TransactionStore. The map key on
// (gateway, gateway transaction id) is the uniqueness constraint.
func (r *Repository) Create(ctx context.Context, tx *billsync.LedgerTransaction) (*billsync.LedgerTransaction, error) {
	if tx == nil || tx.Gateway == "" || tx.GatewayTransactionID == "" {
		return nil, fmt.Errorf("invalid transaction")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := ledgerKey(tx.Gateway, tx.GatewayTransactionID)
	if _, exists := r.transactions[key]; exists {
		return nil, billsync.ErrDuplicateTransaction
	}

	r.seq++
	txCopy := *tx
	if txCopy.ID == "" {
		txCopy.ID = fmt.Sprintf("txn_%d", r.seq)
	}
	r.transactions[key] = &txCopy
	r.byID[txCopy.ID] = &txCopy
	r.order[txCopy.ID] = r.seq

	out := txCopy
	return &out, nil
}

// Replace implements billsync.TransactionStore.
func (r *Repository) Replace(ctx context.Context, tx *billsync.LedgerTransaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[tx.ID]
	if !ok {
		return billsync.ErrTransactionNotFound
	}
	*existing = *tx
	return nil
}

// LatestBySubscriber implements billsync.TransactionStore.
func (r *Repository) LatestBySubscriber(ctx context.Context, ref billsync.SubscriberRef) (*billsync.LedgerTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *billsync.LedgerTransaction
	for _, tx := range r.transactions {
		if tx.Subscriber != ref {
			continue
		}
		if latest == nil ||
			tx.CreationDate.After(latest.CreationDate) ||
			(tx.CreationDate.Equal(latest.CreationDate) && r.order[tx.ID] > r.order[latest.ID]) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, billsync.ErrTransactionNotFound
	}
	txCopy := *latest
	return &txCopy, nil
}

// GetSubscriber implements billsync.SubscriberStore.
func (r *Repository) GetSubscriber(ctx context.Context, ref billsync.SubscriberRef) (billsync.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subscribers[ref]
	if !ok {
		return nil, billsync.ErrSubscriberNotFound
	}
	return cloneSubscriber(sub), nil
}

// ReplaceSubscriber implements billsync.SubscriberStore.
func (r *Repository) ReplaceSubscriber(ctx context.Context, sub billsync.Subscriber) error {
	if sub == nil || sub.Ref().IsZero() {
		return fmt.Errorf("invalid subscriber")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscribers[sub.Ref()] = cloneSubscriber(sub)
	return nil
}

// cloneSubscriber deep-copies a subscriber to prevent external mutations,
// including the pointer-valued expiration fields.
func cloneSubscriber(sub billsync.Subscriber) billsync.Subscriber {
	switch s := sub.(type) {
	case *billsync.Organization:
		out := *s
		if s.ExpirationDate != nil {
			d := *s.ExpirationDate
			out.ExpirationDate = &d
		}
		return &out
	case *billsync.User:
		out := *s
		if s.PremiumExpirationDate != nil {
			d := *s.PremiumExpirationDate
			out.PremiumExpirationDate = &d
		}
		return &out
	case *billsync.Provider:
		out := *s
		return &out
	default:
		return sub
	}
}
