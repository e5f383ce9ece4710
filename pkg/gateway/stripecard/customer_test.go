package stripecard

import (
	"context"
	"net/http"
	"testing"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

func TestHandleCustomerUpdated_SyncsBillingEmail(t *testing.T) {
	repo := memory.New()
	seedOrganization(t, repo, true)

	client := newStubClient(t, stubRoutes{
		"GET /v1/subscriptions": `{"object":"list","url":"/v1/subscriptions","has_more":false,"data":[
			{"id":"sub_1","object":"subscription","status":"active","metadata":{"organizationId":"org_1"}}
		]}`,
	})
	p := newTestProvider(t, repo, client, nil)

	w := deliverEvent(t, p, eventJSON("customer.updated",
		`{"id":"cus_1","object":"customer","email":"new-billing@example.com"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	sub, err := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberOrganization, ID: "org_1"})
	if err != nil {
		t.Fatalf("GetSubscriber failed: %v", err)
	}
	if got := sub.(*billsync.Organization).BillingEmail; got != "new-billing@example.com" {
		t.Errorf("BillingEmail = %q, want new-billing@example.com", got)
	}
}

func TestHandleCustomerUpdated_NonOrganizationIgnored(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, true)

	client := newStubClient(t, stubRoutes{
		"GET /v1/subscriptions": `{"object":"list","url":"/v1/subscriptions","has_more":false,"data":[
			{"id":"sub_1","object":"subscription","status":"active","metadata":{"userId":"user_1"}}
		]}`,
	})
	p := newTestProvider(t, repo, client, nil)

	w := deliverEvent(t, p, eventJSON("customer.updated",
		`{"id":"cus_1","object":"customer","email":"new@example.com"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	sub, _ := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"})
	if got := sub.(*billsync.User).Email; got != "user@example.com" {
		t.Errorf("user email changed to %q; billing email sync is organization-only", got)
	}
}

func TestHandleCustomerUpdated_NoEmailIgnored(t *testing.T) {
	// Without an email there is nothing to sync and no API call to make.
	p := newTestProvider(t, memory.New(), nil, nil)

	w := deliverEvent(t, p, eventJSON("customer.updated", `{"id":"cus_1","object":"customer"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleSetupIntentSucceeded_AttachesVerifiedBankAccount(t *testing.T) {
	client := newStubClient(t, stubRoutes{
		"GET /v1/setup_intents/seti_1": `{"id":"seti_1","object":"setup_intent","status":"succeeded",` +
			`"customer":{"id":"cus_1","object":"customer"},` +
			`"payment_method":{"id":"pm_1","object":"payment_method","type":"us_bank_account"}}`,
		"POST /v1/payment_methods/pm_1/attach": `{"id":"pm_1","object":"payment_method","type":"us_bank_account"}`,
	})
	p := newTestProvider(t, memory.New(), client, nil)

	w := deliverEvent(t, p, eventJSON("setup_intent.succeeded", `{"id":"seti_1","object":"setup_intent"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleSetupIntentSucceeded_NonBankMethodIgnored(t *testing.T) {
	// No attach route: a card setup intent must not reach the attach call.
	client := newStubClient(t, stubRoutes{
		"GET /v1/setup_intents/seti_1": `{"id":"seti_1","object":"setup_intent","status":"succeeded",` +
			`"customer":{"id":"cus_1","object":"customer"},` +
			`"payment_method":{"id":"pm_1","object":"payment_method","type":"card"}}`,
	})
	p := newTestProvider(t, memory.New(), client, nil)

	w := deliverEvent(t, p, eventJSON("setup_intent.succeeded", `{"id":"seti_1","object":"setup_intent"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}
