package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

func newTx(gateway billsync.Gateway, gwTxID string, created time.Time) *billsync.LedgerTransaction {
	return &billsync.LedgerTransaction{
		Gateway:              gateway,
		GatewayTransactionID: gwTxID,
		Amount:               1999,
		Currency:             "usd",
		CreationDate:         created,
		Subscriber:           billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"},
		Type:                 billsync.TransactionCharge,
		PaymentMethod:        billsync.PaymentMethodCard,
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.GetByGatewayID(ctx, billsync.GatewayStripe, "ch_1")
	if !errors.Is(err, billsync.ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound, got %v", err)
	}

	created, err := repo.Create(ctx, newTx(billsync.GatewayStripe, "ch_1", now))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Error("Create should assign an ID")
	}

	got, err := repo.GetByGatewayID(ctx, billsync.GatewayStripe, "ch_1")
	if err != nil {
		t.Fatalf("GetByGatewayID failed: %v", err)
	}
	if got.Amount != 1999 || got.GatewayTransactionID != "ch_1" {
		t.Errorf("unexpected transaction: %+v", got)
	}
}

func TestRepository_Create_Duplicate(t *testing.T) {
	repo := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := repo.Create(ctx, newTx(billsync.GatewayStripe, "ch_1", now)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := repo.Create(ctx, newTx(billsync.GatewayStripe, "ch_1", now))
	if !errors.Is(err, billsync.ErrDuplicateTransaction) {
		t.Errorf("expected ErrDuplicateTransaction, got %v", err)
	}

	// Same transaction id on a different gateway is a distinct key.
	if _, err := repo.Create(ctx, newTx(billsync.GatewayWallet, "ch_1", now)); err != nil {
		t.Errorf("cross-gateway create failed: %v", err)
	}
}

func TestRepository_Replace(t *testing.T) {
	repo := New()
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := repo.Create(ctx, newTx(billsync.GatewayStripe, "ch_1", now))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	created.RefundedAmount = 1999
	created.Refunded = true
	if err := repo.Replace(ctx, created); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	got, _ := repo.GetByGatewayID(ctx, billsync.GatewayStripe, "ch_1")
	if !got.Refunded || got.RefundedAmount != 1999 {
		t.Errorf("Replace not persisted: %+v", got)
	}

	missing := newTx(billsync.GatewayStripe, "ch_2", now)
	missing.ID = "txn_missing"
	if err := repo.Replace(ctx, missing); !errors.Is(err, billsync.ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestRepository_LatestBySubscriber(t *testing.T) {
	repo := New()
	ctx := context.Background()
	ref := billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := repo.LatestBySubscriber(ctx, ref)
	if !errors.Is(err, billsync.ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound, got %v", err)
	}

	if _, err := repo.Create(ctx, newTx(billsync.GatewayStripe, "ch_old", base)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := repo.Create(ctx, newTx(billsync.GatewayStripe, "ch_new", base.Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	other := newTx(billsync.GatewayStripe, "ch_other", base.Add(2*time.Hour))
	other.Subscriber = billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_2"}
	if _, err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	latest, err := repo.LatestBySubscriber(ctx, ref)
	if err != nil {
		t.Fatalf("LatestBySubscriber failed: %v", err)
	}
	if latest.GatewayTransactionID != "ch_new" {
		t.Errorf("latest = %s, want ch_new", latest.GatewayTransactionID)
	}
}

func TestRepository_LatestBySubscriber_InsertionTieBreak(t *testing.T) {
	repo := New()
	ctx := context.Background()
	ref := billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"}
	same := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := repo.Create(ctx, newTx(billsync.GatewayStripe, "ch_first", same)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := repo.Create(ctx, newTx(billsync.GatewayStripe, "ch_second", same)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	latest, err := repo.LatestBySubscriber(ctx, ref)
	if err != nil {
		t.Fatalf("LatestBySubscriber failed: %v", err)
	}
	if latest.GatewayTransactionID != "ch_second" {
		t.Errorf("latest = %s, want ch_second (insertion order tie-break)", latest.GatewayTransactionID)
	}
}

func TestRepository_Subscribers(t *testing.T) {
	repo := New()
	ctx := context.Background()

	ref := billsync.SubscriberRef{Kind: billsync.SubscriberOrganization, ID: "org_1"}
	_, err := repo.GetSubscriber(ctx, ref)
	if !errors.Is(err, billsync.ErrSubscriberNotFound) {
		t.Errorf("expected ErrSubscriberNotFound, got %v", err)
	}

	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	org := &billsync.Organization{
		ID:             "org_1",
		BillingEmail:   "billing@example.com",
		PlanType:       "team",
		Enabled:        true,
		ExpirationDate: &exp,
	}
	if err := repo.ReplaceSubscriber(ctx, org); err != nil {
		t.Fatalf("ReplaceSubscriber failed: %v", err)
	}

	got, err := repo.GetSubscriber(ctx, ref)
	if err != nil {
		t.Fatalf("GetSubscriber failed: %v", err)
	}
	stored, ok := got.(*billsync.Organization)
	if !ok {
		t.Fatalf("expected *Organization, got %T", got)
	}
	if stored.BillingEmail != "billing@example.com" || !stored.Enabled {
		t.Errorf("unexpected subscriber: %+v", stored)
	}

	// Mutating the returned copy must not affect the stored subscriber.
	*stored.ExpirationDate = stored.ExpirationDate.Add(24 * time.Hour)
	stored.Enabled = false

	again, _ := repo.GetSubscriber(ctx, ref)
	org2 := again.(*billsync.Organization)
	if !org2.Enabled || !org2.ExpirationDate.Equal(exp) {
		t.Error("returned subscriber shares state with the store")
	}
}
