package banknet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

const testWebhookKey = "bnk_test_secret"

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
	req.Header.Set("Authorization", "Bearer "+testWebhookKey)
	w := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(w, req)
	return w
}

func TestHandleWebhook_Auth(t *testing.T) {
	p := newTestProvider(t, memory.New())

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"type":"settlement.cleared"}`))
	w := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}
}

func TestHandleSettlementCleared_LedgersCredits(t *testing.T) {
	repo := memory.New()
	p := newTestProvider(t, repo)
	ctx := context.Background()

	body := `{"type":"settlement.cleared","settlements":[
		{"id":"stl_1","amount":5000,"currency":"USD","clearedAt":1700000000,"reference":"WIRE-001","metadata":{"organizationId":"org_1"}},
		{"id":"stl_2","amount":2500,"currency":"USD","clearedAt":1700000100,"reference":"WIRE-002","metadata":{"userId":"user_1"}}
	]}`

	// Redeliveries of the same batch ledger each settlement once.
	for i := 0; i < 2; i++ {
		if w := deliver(t, p, body); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d, body = %s", i+1, w.Code, w.Body.String())
		}
	}

	tx, err := repo.GetByGatewayID(ctx, billsync.GatewayBankNet, "stl_1")
	if err != nil {
		t.Fatalf("settlement not ledgered: %v", err)
	}
	if tx.Type != billsync.TransactionCredit || tx.PaymentMethod != billsync.PaymentMethodACHCredit {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	if tx.Amount != 5000 || tx.Details != "bank settlement WIRE-001" {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	if tx.Subscriber != (billsync.SubscriberRef{Kind: billsync.SubscriberOrganization, ID: "org_1"}) {
		t.Errorf("subscriber = %+v", tx.Subscriber)
	}

	if _, err := repo.GetByGatewayID(ctx, billsync.GatewayBankNet, "stl_2"); err != nil {
		t.Errorf("second settlement not ledgered: %v", err)
	}
}

func TestHandleSettlementCleared_UnattributableSkipped(t *testing.T) {
	repo := memory.New()
	p := newTestProvider(t, repo)

	body := `{"type":"settlement.cleared","settlements":[
		{"id":"stl_orphan","amount":5000,"currency":"USD","clearedAt":1700000000,"reference":"WIRE-001"},
		{"id":"stl_2","amount":2500,"currency":"USD","clearedAt":1700000100,"reference":"WIRE-002","metadata":{"userId":"user_1"}}
	]}`
	if w := deliver(t, p, body); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	if _, err := repo.GetByGatewayID(ctx, billsync.GatewayBankNet, "stl_orphan"); !errors.Is(err, billsync.ErrTransactionNotFound) {
		t.Error("unattributable settlement should not be ledgered")
	}
	if _, err := repo.GetByGatewayID(ctx, billsync.GatewayBankNet, "stl_2"); err != nil {
		t.Errorf("rest of the batch should still be processed: %v", err)
	}
}

func TestHandleSettlementCleared_MissingIDFails(t *testing.T) {
	p := newTestProvider(t, memory.New())

	body := `{"type":"settlement.cleared","settlements":[{"amount":5000,"currency":"USD","metadata":{"userId":"user_1"}}]}`
	if w := deliver(t, p, body); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 so the network redelivers", w.Code)
	}
}

func TestHandleWebhook_UnknownTypeAcknowledged(t *testing.T) {
	p := newTestProvider(t, memory.New())

	if w := deliver(t, p, `{"type":"settlement.pending","settlements":[]}`); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
