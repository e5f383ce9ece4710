package stripecard

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

type fakeNotifier struct {
	calls []struct {
		OrganizationID string
		Enabled        bool
	}
}

func (f *fakeNotifier) NotifyOrganizationStatus(_ context.Context, organizationID string, enabled bool) error {
	f.calls = append(f.calls, struct {
		OrganizationID string
		Enabled        bool
	}{organizationID, enabled})
	return nil
}

type fakeScheduler struct {
	subscriptionIDs []string
}

func (f *fakeScheduler) ScheduleCancellation(_ context.Context, subscriptionID string, _ time.Time) error {
	f.subscriptionIDs = append(f.subscriptionIDs, subscriptionID)
	return nil
}

const testPeriodEnd = int64(1760000000)

func subscriptionJSON(status, metadata, comment string) string {
	cancellation := ""
	if comment != "" {
		cancellation = `,"cancellation_details":{"comment":"` + comment + `"}`
	}
	return `{"id":"sub_1","object":"subscription","status":"` + status + `","metadata":` + metadata + cancellation +
		`,"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","current_period_end":1760000000,"price":{"id":"price_premium","object":"price"}}]}}`
}

func seedUser(t *testing.T, repo billsync.Repository, premium bool) {
	t.Helper()
	if err := repo.ReplaceSubscriber(context.Background(), &billsync.User{
		ID:      "user_1",
		Email:   "user@example.com",
		Premium: premium,
	}); err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
}

func seedOrganization(t *testing.T, repo billsync.Repository, enabled bool) {
	t.Helper()
	if err := repo.ReplaceSubscriber(context.Background(), &billsync.Organization{
		ID:           "org_1",
		BillingEmail: "billing@example.com",
		PlanType:     "team",
		Enabled:      enabled,
	}); err != nil {
		t.Fatalf("seed organization failed: %v", err)
	}
}

func TestHandleSubscriptionDeleted_DisablesUser(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, true)
	p := newTestProvider(t, repo, nil, nil)

	w := deliverEvent(t, p, eventJSON("customer.subscription.deleted",
		subscriptionJSON("canceled", `{"userId":"user_1"}`, "")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	sub, err := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"})
	if err != nil {
		t.Fatalf("GetSubscriber failed: %v", err)
	}
	user := sub.(*billsync.User)
	if user.Premium {
		t.Error("user should be downgraded on cancellation")
	}
	if user.PremiumExpirationDate == nil || !user.PremiumExpirationDate.Equal(time.Unix(testPeriodEnd, 0).UTC()) {
		t.Errorf("expiration = %v, want period end", user.PremiumExpirationDate)
	}
}

func TestHandleSubscriptionDeleted_MigrationSentinel(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, true)
	p := newTestProvider(t, repo, nil, nil)

	w := deliverEvent(t, p, eventJSON("customer.subscription.deleted",
		subscriptionJSON("canceled", `{"userId":"user_1"}`, "User migrated to another account, see ticket")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	sub, _ := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"})
	if !sub.(*billsync.User).Premium {
		t.Error("migration cancellation must not touch the subscriber")
	}
}

func TestHandleSubscriptionDeleted_NonCanceledIgnored(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, true)
	p := newTestProvider(t, repo, nil, nil)

	w := deliverEvent(t, p, eventJSON("customer.subscription.deleted",
		subscriptionJSON("active", `{"userId":"user_1"}`, "")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	sub, _ := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"})
	if !sub.(*billsync.User).Premium {
		t.Error("non-canceled delivery must not disable the subscriber")
	}
}

func TestHandleSubscriptionUpdated_ActiveEnablesOrganization(t *testing.T) {
	repo := memory.New()
	seedOrganization(t, repo, false)
	notifier := &fakeNotifier{}

	// The handler re-fetches the subscription; the embedded payload is stale
	// on purpose (status unpaid) to prove the fresh state wins.
	client := newStubClient(t, stubRoutes{
		"GET /v1/subscriptions/sub_1": subscriptionJSON("active", `{"organizationId":"org_1"}`, ""),
	})
	p := newTestProvider(t, repo, client, func(c *Config) {
		c.Notifier = notifier
	})

	w := deliverEvent(t, p, eventJSON("customer.subscription.updated",
		subscriptionJSON("unpaid", `{"organizationId":"org_1"}`, "")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	sub, err := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberOrganization, ID: "org_1"})
	if err != nil {
		t.Fatalf("GetSubscriber failed: %v", err)
	}
	org := sub.(*billsync.Organization)
	if !org.Enabled {
		t.Error("organization should be enabled for an active subscription")
	}
	if org.ExpirationDate == nil || !org.ExpirationDate.Equal(time.Unix(testPeriodEnd, 0).UTC()) {
		t.Errorf("expiration = %v, want period end", org.ExpirationDate)
	}
	if len(notifier.calls) == 0 || !notifier.calls[0].Enabled || notifier.calls[0].OrganizationID != "org_1" {
		t.Errorf("unexpected notifier calls: %+v", notifier.calls)
	}
}

func TestHandleSubscriptionUpdated_UnpaidPremiumUserCleanup(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, true)

	client := newStubClient(t, stubRoutes{
		"GET /v1/subscriptions/sub_1":    subscriptionJSON("unpaid", `{"userId":"user_1"}`, ""),
		"DELETE /v1/subscriptions/sub_1": subscriptionJSON("canceled", `{"userId":"user_1"}`, ""),
		"GET /v1/invoices":               `{"object":"list","url":"/v1/invoices","has_more":false,"data":[]}`,
	})
	p := newTestProvider(t, repo, client, func(c *Config) {
		c.PremiumPriceIDs = []string{"price_premium"}
	})

	w := deliverEvent(t, p, eventJSON("customer.subscription.updated",
		subscriptionJSON("unpaid", `{"userId":"user_1"}`, "")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	sub, _ := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"})
	if sub.(*billsync.User).Premium {
		t.Error("unpaid user should be downgraded")
	}
}

func TestHandleSubscriptionUpdated_UnpaidOrganizationSchedulesCancellation(t *testing.T) {
	repo := memory.New()
	seedOrganization(t, repo, true)
	scheduler := &fakeScheduler{}

	client := newStubClient(t, stubRoutes{
		"GET /v1/subscriptions/sub_1": subscriptionJSON("unpaid", `{"organizationId":"org_1"}`, ""),
	})
	p := newTestProvider(t, repo, client, func(c *Config) {
		c.EnableDelayedCancellation = true
		c.Scheduler = scheduler
	})

	w := deliverEvent(t, p, eventJSON("customer.subscription.updated",
		subscriptionJSON("unpaid", `{"organizationId":"org_1"}`, "")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	sub, _ := repo.GetSubscriber(context.Background(), billsync.SubscriberRef{Kind: billsync.SubscriberOrganization, ID: "org_1"})
	if sub.(*billsync.Organization).Enabled {
		t.Error("unpaid organization should be disabled")
	}
	if len(scheduler.subscriptionIDs) != 1 || scheduler.subscriptionIDs[0] != "sub_1" {
		t.Errorf("scheduled cancellations = %v, want [sub_1]", scheduler.subscriptionIDs)
	}
}
