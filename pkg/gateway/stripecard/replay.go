package stripecard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/gateway"
	"github.com/mihaimyh/billsync/pkg/gateway/internal"
)

// ReplayEvents fetches a window of historical gateway events and replays
// them through the normal dispatch path with bounded parallelism. Events
// are independent; one failure is collected, not escalated. Events already
// past their idempotency check complete rather than being interrupted
// mid-mutation, so cancellation only stops new dispatches.
func (p *Provider) ReplayEvents(ctx context.Context, req gateway.ReplayRequest) (*gateway.ReplayResult, error) {
	region := strings.TrimSpace(req.Region)
	if region == "" {
		region = defaultRegion
	}
	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = defaultReplayParallelism
	}

	params := &stripe.EventListParams{}
	if !req.From.IsZero() || !req.To.IsZero() {
		created := &stripe.RangeQueryParams{}
		if !req.From.IsZero() {
			created.GreaterThanOrEqual = req.From.Unix()
		}
		if !req.To.IsZero() {
			created.LesserThanOrEqual = req.To.Unix()
		}
		params.CreatedRange = created
	}
	if req.DeliverySuccess != nil {
		params.DeliverySuccess = stripe.Bool(*req.DeliverySuccess)
	}

	var candidates []*stripe.Event
	for event, err := range p.client.V1Events.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(gatewayName, "/events/list", "error")
			return nil, fmt.Errorf("%w: list events: %v", billsync.ErrGatewayUnavailable, err)
		}
		if req.APIVersion != "" && event.APIVersion != req.APIVersion {
			continue
		}
		candidates = append(candidates, event)
	}
	p.metrics.RecordAPICall(gatewayName, "/events/list", "success")

	result := &gateway.ReplayResult{}
	var mu sync.Mutex

	// Parallelism is bounded by gateway rate limits; closures never return
	// an error so one bad event cannot cancel the rest of the group.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, event := range candidates {
		g.Go(func() error {
			match, err := p.eventRegionMatches(gctx, event, region)
			if err == nil && !match {
				return nil
			}

			outcome := gateway.EventOutcome{
				EventID:   event.ID,
				URL:       fmt.Sprintf("https://dashboard.stripe.com/events/%s", event.ID),
				Type:      string(event.Type),
				CreatedAt: time.Unix(event.Created, 0).UTC(),
			}
			if err == nil {
				err = p.dispatch(gctx, event)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcome.ProcessingError = err.Error()
				result.Failed = append(result.Failed, outcome)
				p.metrics.RecordReplayEvent(gatewayName, "error")
			} else {
				result.Succeeded = append(result.Succeeded, outcome)
				p.metrics.RecordReplayEvent(gatewayName, "success")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// eventRegionMatches resolves the event object's customer and compares its
// region metadata against the requested region. Customers without region
// metadata, and events without a customer, belong to the default region.
func (p *Provider) eventRegionMatches(ctx context.Context, event *stripe.Event, region string) (bool, error) {
	customerID := rawIDField(event.Data.Raw, "customer")
	if customerID == "" {
		return strings.EqualFold(region, defaultRegion), nil
	}
	cust, err := p.freshCustomer(ctx, customerID)
	if err != nil {
		return false, err
	}
	custRegion := billsync.MetadataValue(cust.Metadata, billsync.MetadataRegion)
	if custRegion == "" {
		custRegion = defaultRegion
	}
	return strings.EqualFold(custRegion, region), nil
}

// ReplayHandler exposes batch replay over HTTP, protected by the replay key.
func (p *Provider) ReplayHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internal.SetSecurityHeaders(w)

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !billsync.VerifyKey(internal.KeyFromRequest(r), p.replayKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			p.metrics.RecordWebhookError(gatewayName, "auth_failed")
			return
		}

		body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
		var req gateway.ReplayRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		result, err := p.ReplayEvents(r.Context(), req)
		if err != nil {
			http.Error(w, "replay failed", http.StatusBadGateway)
			return
		}
		_ = internal.WriteJSON(w, http.StatusOK, result)
	})
}
