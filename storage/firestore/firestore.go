// Package firestore provides a Cloud Firestore implementation of the
// billsync.Repository interface. The ledger document id is the
// (gateway, gateway transaction id) pair, so Firestore's create-if-absent
// semantics are the idempotency constraint.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Config holds Firestore repository configuration.
type Config struct {
	// TransactionsCollection is the collection for ledger transactions.
	// Default: "billing_transactions"
	TransactionsCollection string

	// SubscribersCollection is the collection for subscriber records.
	// Default: "billing_subscribers"
	SubscribersCollection string
}

// Repository implements billsync.Repository using Cloud Firestore.
type Repository struct {
	client                 *firestore.Client
	transactionsCollection string
	subscribersCollection  string
}

// New creates a new Firestore repository.
func New(client *firestore.Client, config Config) (*Repository, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.TransactionsCollection == "" {
		config.TransactionsCollection = "billing_transactions"
	}
	if config.SubscribersCollection == "" {
		config.SubscribersCollection = "billing_subscribers"
	}
	return &Repository{
		client:                 client,
		transactionsCollection: config.TransactionsCollection,
		subscribersCollection:  config.SubscribersCollection,
	}, nil
}

// transactionDoc is the stored transaction shape.
type transactionDoc struct {
	ID                   string    `firestore:"id"`
	Gateway              string    `firestore:"gateway"`
	GatewayTransactionID string    `firestore:"gatewayTransactionId"`
	Amount               int64     `firestore:"amount"`
	RefundedAmount       int64     `firestore:"refundedAmount"`
	Refunded             bool      `firestore:"refunded"`
	Currency             string    `firestore:"currency"`
	CreationDate         time.Time `firestore:"creationDate"`
	SubscriberKind       string    `firestore:"subscriberKind"`
	SubscriberID         string    `firestore:"subscriberId"`
	Type                 string    `firestore:"type"`
	PaymentMethod        string    `firestore:"paymentMethod"`
	Details              string    `firestore:"details"`
}

func docFromTransaction(tx *billsync.LedgerTransaction) *transactionDoc {
	return &transactionDoc{
		ID:                   tx.ID,
		Gateway:              string(tx.Gateway),
		GatewayTransactionID: tx.GatewayTransactionID,
		Amount:               tx.Amount,
		RefundedAmount:       tx.RefundedAmount,
		Refunded:             tx.Refunded,
		Currency:             tx.Currency,
		CreationDate:         tx.CreationDate,
		SubscriberKind:       string(tx.Subscriber.Kind),
		SubscriberID:         tx.Subscriber.ID,
		Type:                 string(tx.Type),
		PaymentMethod:        string(tx.PaymentMethod),
		Details:              tx.Details,
	}
}

func (d *transactionDoc) toTransaction() *billsync.LedgerTransaction {
	return &billsync.LedgerTransaction{
		ID:                   d.ID,
		Gateway:              billsync.Gateway(d.Gateway),
		GatewayTransactionID: d.GatewayTransactionID,
		Amount:               d.Amount,
		RefundedAmount:       d.RefundedAmount,
		Refunded:             d.Refunded,
		Currency:             d.Currency,
		CreationDate:         d.CreationDate,
		Subscriber: billsync.SubscriberRef{
			Kind: billsync.SubscriberKind(d.SubscriberKind),
			ID:   d.SubscriberID,
		},
		Type:          billsync.TransactionType(d.Type),
		PaymentMethod: billsync.PaymentMethodType(d.PaymentMethod),
		Details:       d.Details,
	}
}

func ledgerDocID(gateway billsync.Gateway, gatewayTransactionID string) string {
	return string(gateway) + ":" + gatewayTransactionID
}

// GetByGatewayID implements billsync.TransactionStore.
func (r *Repository) GetByGatewayID(ctx context.Context, gateway billsync.Gateway, gatewayTransactionID string) (*billsync.LedgerTransaction, error) {
	snap, err := r.client.Collection(r.transactionsCollection).
		Doc(ledgerDocID(gateway, gatewayTransactionID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billsync.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	var doc transactionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return doc.toTransaction(), nil
}

// Create implements billsync.TransactionStore. Doc.Create fails with
// AlreadyExists when a concurrent delivery won the insert race.
func (r *Repository) Create(ctx context.Context, tx *billsync.LedgerTransaction) (*billsync.LedgerTransaction, error) {
	if tx == nil || tx.Gateway == "" || tx.GatewayTransactionID == "" {
		return nil, fmt.Errorf("invalid transaction")
	}

	txCopy := *tx
	docID := ledgerDocID(txCopy.Gateway, txCopy.GatewayTransactionID)
	if txCopy.ID == "" {
		txCopy.ID = docID
	}

	_, err := r.client.Collection(r.transactionsCollection).
		Doc(docID).Create(ctx, docFromTransaction(&txCopy))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil, billsync.ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return &txCopy, nil
}

// Replace implements billsync.TransactionStore. The transaction id is the
// document id, assigned by Create.
func (r *Repository) Replace(ctx context.Context, tx *billsync.LedgerTransaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	docRef := r.client.Collection(r.transactionsCollection).Doc(tx.ID)
	if _, err := docRef.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return billsync.ErrTransactionNotFound
		}
		return fmt.Errorf("failed to get transaction: %w", err)
	}
	if _, err := docRef.Set(ctx, docFromTransaction(tx)); err != nil {
		return fmt.Errorf("failed to replace transaction: %w", err)
	}
	return nil
}

// LatestBySubscriber implements billsync.TransactionStore. Requires a
// composite index on (subscriberKind, subscriberId, creationDate desc).
func (r *Repository) LatestBySubscriber(ctx context.Context, ref billsync.SubscriberRef) (*billsync.LedgerTransaction, error) {
	iter := r.client.Collection(r.transactionsCollection).
		Where("subscriberKind", "==", string(ref.Kind)).
		Where("subscriberId", "==", ref.ID).
		OrderBy("creationDate", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, billsync.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}

	var doc transactionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return doc.toTransaction(), nil
}

// subscriberDoc is the stored subscriber shape; Kind discriminates which
// variant the remaining fields describe.
type subscriberDoc struct {
	Kind           string     `firestore:"kind"`
	ID             string     `firestore:"id"`
	BillingEmail   string     `firestore:"billingEmail"`
	PlanType       string     `firestore:"planType"`
	Enabled        bool       `firestore:"enabled"`
	Premium        bool       `firestore:"premium"`
	ExpirationDate *time.Time `firestore:"expirationDate"`
}

func subscriberDocID(ref billsync.SubscriberRef) string {
	return string(ref.Kind) + ":" + ref.ID
}

// GetSubscriber implements billsync.SubscriberStore.
func (r *Repository) GetSubscriber(ctx context.Context, ref billsync.SubscriberRef) (billsync.Subscriber, error) {
	snap, err := r.client.Collection(r.subscribersCollection).
		Doc(subscriberDocID(ref)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billsync.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}

	var doc subscriberDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscriber: %w", err)
	}

	switch billsync.SubscriberKind(doc.Kind) {
	case billsync.SubscriberOrganization:
		return &billsync.Organization{
			ID:             doc.ID,
			BillingEmail:   doc.BillingEmail,
			PlanType:       doc.PlanType,
			Enabled:        doc.Enabled,
			ExpirationDate: doc.ExpirationDate,
		}, nil
	case billsync.SubscriberUser:
		return &billsync.User{
			ID:                    doc.ID,
			Email:                 doc.BillingEmail,
			Premium:               doc.Premium,
			PremiumExpirationDate: doc.ExpirationDate,
		}, nil
	case billsync.SubscriberProvider:
		return &billsync.Provider{
			ID:           doc.ID,
			BillingEmail: doc.BillingEmail,
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

	ref := sub.Ref()
	doc := subscriberDoc{Kind: string(ref.Kind), ID: ref.ID}
	switch s := sub.(type) {
	case *billsync.Organization:
		doc.BillingEmail = s.BillingEmail
		doc.PlanType = s.PlanType
		doc.Enabled = s.Enabled
		doc.ExpirationDate = s.ExpirationDate
	case *billsync.User:
		doc.BillingEmail = s.Email
		doc.Premium = s.Premium
		doc.ExpirationDate = s.PremiumExpirationDate
	case *billsync.Provider:
		doc.BillingEmail = s.BillingEmail
	default:
		return fmt.Errorf("unsupported subscriber type %T", sub)
	}

	if _, err := r.client.Collection(r.subscribersCollection).
		Doc(subscriberDocID(ref)).Set(ctx, &doc); err != nil {
		return fmt.Errorf("failed to replace subscriber: %w", err)
	}
	return nil
}
