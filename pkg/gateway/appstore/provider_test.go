package appstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

const testWebhookKey = "ask_test_secret"

func newTestProvider(t *testing.T, repo billsync.Repository) *Provider {
	t.Helper()
	p, err := New(Config{Repository: repo, WebhookKey: testWebhookKey})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func deliver(t *testing.T, p *Provider, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Billsync-Key", testWebhookKey)
	w := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(w, req)
	return w
}

func seedUser(t *testing.T, repo billsync.Repository, expiration *time.Time) {
	t.Helper()
	if err := repo.ReplaceSubscriber(context.Background(), &billsync.User{
		ID:                    "user_1",
		Email:                 "user@example.com",
		Premium:               expiration != nil,
		PremiumExpirationDate: expiration,
	}); err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
}

func renewalJSON(txnID string, expiresAt time.Time) string {
	return `{"notificationType":"DID_RENEW","transaction":{"id":"` + txnID + `","userId":"user_1","productId":"premium.monthly",` +
		`"amount":999,"currency":"USD","purchasedAtMs":1700000000000,"expiresAtMs":` + strconv.FormatInt(expiresAt.UnixMilli(), 10) + `}}`
}

func TestHandleWebhook_Auth(t *testing.T) {
	p := newTestProvider(t, memory.New())
	body := renewalJSON("iap_1", time.Now().Add(30*24*time.Hour))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Billsync-Key", "ask_wrong")
	w = httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
}

func TestHandleRenewal_LedgersAndExtendsPremium(t *testing.T) {
	repo := memory.New()
	oldExp := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Millisecond)
	seedUser(t, repo, &oldExp)
	p := newTestProvider(t, repo)

	newExp := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Millisecond)
	w := deliver(t, p, renewalJSON("iap_1", newExp))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	tx, err := repo.GetByGatewayID(context.Background(), billsync.GatewayAppStore, "iap_1")
	if err != nil {
		t.Fatalf("purchase not ledgered: %v", err)
	}
	if tx.Amount != 999 || tx.Currency != "usd" || tx.PaymentMethod != billsync.PaymentMethodAppStore {
		t.Errorf("unexpected transaction: %+v", tx)
	}

	sub, _ := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"})
	user := sub.(*billsync.User)
	if !user.Premium {
		t.Error("renewal should set premium")
	}
	if user.PremiumExpirationDate == nil || !user.PremiumExpirationDate.Equal(newExp) {
		t.Errorf("expiration = %v, want %v", user.PremiumExpirationDate, newExp)
	}
}

func TestHandleRenewal_ExpirationNeverMovesBackward(t *testing.T) {
	repo := memory.New()
	farExp := time.Now().UTC().Add(60 * 24 * time.Hour).Truncate(time.Millisecond)
	seedUser(t, repo, &farExp)
	p := newTestProvider(t, repo)

	// An out-of-order older renewal must not pull the expiration back.
	w := deliver(t, p, renewalJSON("iap_old", time.Now().UTC().Add(24*time.Hour)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	sub, _ := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"})
	user := sub.(*billsync.User)
	if !user.PremiumExpirationDate.Equal(farExp) {
		t.Errorf("expiration = %v, want unchanged %v", user.PremiumExpirationDate, farExp)
	}
}

func TestHandleRenewal_RedeliveryStillConverges(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, nil)
	p := newTestProvider(t, repo)

	exp := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Millisecond)
	body := renewalJSON("iap_1", exp)

	if w := deliver(t, p, body); w.Code != http.StatusOK {
		t.Fatalf("first delivery: status = %d", w.Code)
	}

	// Regress the user to prove the redelivery convergence path runs even
	// when the transaction is already ledgered.
	seedUser(t, repo, nil)

	if w := deliver(t, p, body); w.Code != http.StatusOK {
		t.Fatalf("redelivery: status = %d", w.Code)
	}

	sub, _ := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"})
	user := sub.(*billsync.User)
	if !user.Premium || user.PremiumExpirationDate == nil || !user.PremiumExpirationDate.Equal(exp) {
		t.Errorf("redelivery should still converge premium state: %+v", user)
	}
}

func TestHandleRenewal_UnknownUserAcknowledged(t *testing.T) {
	repo := memory.New()
	p := newTestProvider(t, repo)

	w := deliver(t, p, renewalJSON("iap_1", time.Now().Add(30*24*time.Hour)))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, unknown user is not a delivery failure", w.Code)
	}
	// The transaction is still ledgered for reconciliation.
	if _, err := repo.GetByGatewayID(context.Background(), billsync.GatewayAppStore, "iap_1"); err != nil {
		t.Errorf("purchase not ledgered: %v", err)
	}
}

func TestHandleRefund_SynthesizesFullRefund(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, nil)
	p := newTestProvider(t, repo)
	ctx := context.Background()

	if w := deliver(t, p, renewalJSON("iap_1", time.Now().Add(30*24*time.Hour))); w.Code != http.StatusOK {
		t.Fatalf("renewal: status = %d", w.Code)
	}

	// No refund sub-objects: the full purchase amount is refunded.
	body := `{"notificationType":"REFUND","transaction":{"id":"iap_1","userId":"user_1"}}`
	for i := 0; i < 2; i++ {
		if w := deliver(t, p, body); w.Code != http.StatusOK {
			t.Fatalf("refund delivery %d: status = %d", i+1, w.Code)
		}
	}

	original, err := repo.GetByGatewayID(ctx, billsync.GatewayAppStore, "iap_1")
	if err != nil {
		t.Fatalf("GetByGatewayID failed: %v", err)
	}
	if original.RefundedAmount != 999 || !original.Refunded {
		t.Errorf("after refund: refunded=%d flag=%v, want 999/true", original.RefundedAmount, original.Refunded)
	}

	if _, err := repo.GetByGatewayID(ctx, billsync.GatewayAppStore, "iap_1_refund"); err != nil {
		t.Errorf("synthesized refund record missing: %v", err)
	}
}

func TestHandleRefund_PartialRefunds(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, nil)
	p := newTestProvider(t, repo)
	ctx := context.Background()

	if w := deliver(t, p, renewalJSON("iap_1", time.Now().Add(30*24*time.Hour))); w.Code != http.StatusOK {
		t.Fatalf("renewal: status = %d", w.Code)
	}

	body := `{"notificationType":"REFUND","transaction":{"id":"iap_1","userId":"user_1"},` +
		`"refunds":[{"id":"iapr_1","amount":400,"currency":"USD","purchasedAtMs":1700000100000}]}`
	if w := deliver(t, p, body); w.Code != http.StatusOK {
		t.Fatalf("refund: status = %d", w.Code)
	}

	original, _ := repo.GetByGatewayID(ctx, billsync.GatewayAppStore, "iap_1")
	if original.RefundedAmount != 400 || original.Refunded {
		t.Errorf("after partial refund: refunded=%d flag=%v", original.RefundedAmount, original.Refunded)
	}
}

// flakyRepository fails a fixed number of Replace calls, simulating a
// transient write failure between the refund-record insert and the
// refunded-total update.
type flakyRepository struct {
	billsync.Repository
	failReplaces int
}

func (r *flakyRepository) Replace(ctx context.Context, tx *billsync.LedgerTransaction) error {
	if r.failReplaces > 0 {
		r.failReplaces--
		return errors.New("write timed out")
	}
	return r.Repository.Replace(ctx, tx)
}

func TestHandleRefund_RedeliveryRepairsLostTotal(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, nil)
	flaky := &flakyRepository{Repository: repo, failReplaces: 1}
	p := newTestProvider(t, flaky)
	ctx := context.Background()

	if w := deliver(t, p, renewalJSON("iap_1", time.Now().Add(30*24*time.Hour))); w.Code != http.StatusOK {
		t.Fatalf("renewal: status = %d", w.Code)
	}

	body := `{"notificationType":"REFUND","transaction":{"id":"iap_1","userId":"user_1"},` +
		`"refunds":[{"id":"iapr_1","amount":400,"currency":"USD","purchasedAtMs":1700000100000}]}`

	// First delivery ledgers the refund record but loses the total update.
	if w := deliver(t, p, body); w.Code != http.StatusInternalServerError {
		t.Fatalf("first refund delivery: status = %d, want 500 so the store redelivers", w.Code)
	}
	if _, err := repo.GetByGatewayID(ctx, billsync.GatewayAppStore, "iapr_1"); err != nil {
		t.Fatalf("refund record not ledgered before the failed update: %v", err)
	}

	// Redelivery finds the record already ledgered but must still converge
	// the total.
	if w := deliver(t, p, body); w.Code != http.StatusOK {
		t.Fatalf("redelivery: status = %d", w.Code)
	}
	original, _ := repo.GetByGatewayID(ctx, billsync.GatewayAppStore, "iap_1")
	if original.RefundedAmount != 400 {
		t.Errorf("RefundedAmount = %d after redelivery, want 400", original.RefundedAmount)
	}
}

func TestHandleRefund_UnknownPurchaseFails(t *testing.T) {
	p := newTestProvider(t, memory.New())

	w := deliver(t, p, `{"notificationType":"REFUND","transaction":{"id":"iap_unknown"}}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 so the store redelivers", w.Code)
	}
}

func TestHandleWebhook_UnknownTypeAcknowledged(t *testing.T) {
	p := newTestProvider(t, memory.New())

	w := deliver(t, p, `{"notificationType":"PRICE_INCREASE","transaction":{"id":"iap_1"}}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
