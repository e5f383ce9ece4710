package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/gateway"
	"github.com/mihaimyh/billsync/pkg/gateway/wallet"
	"github.com/mihaimyh/billsync/storage/memory"
)

func TestMount(t *testing.T) {
	gw, err := wallet.New(wallet.Config{Repository: memory.New(), WebhookKey: "wk_test"})
	require.NoError(t, err)

	t.Run("nil mux", func(t *testing.T) {
		err := Mount(nil, Config{Gateways: []gateway.Gateway{gw}})
		assert.Error(t, err)
	})

	t.Run("no gateways", func(t *testing.T) {
		err := Mount(http.NewServeMux(), Config{})
		assert.Error(t, err)
	})

	t.Run("routes webhook deliveries", func(t *testing.T) {
		mux := http.NewServeMux()
		replayed := false
		err := Mount(mux, Config{
			Gateways: []gateway.Gateway{gw},
			ReplayHandlers: map[string]http.Handler{
				"wallet": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					replayed = true
					w.WriteHeader(http.StatusOK)
				}),
			},
		})
		require.NoError(t, err)

		// Authenticated no-op delivery proves the route reaches the gateway.
		req := httptest.NewRequest(http.MethodPost, "/webhooks/wallet", strings.NewReader(`{"type":"sale.created","sale":{"id":"ws_1"}}`))
		req.Header.Set("Authorization", "Bearer wk_test")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)

		req = httptest.NewRequest(http.MethodPost, "/webhooks/wallet/replay", http.NoBody)
		w = httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, replayed)

		req = httptest.NewRequest(http.MethodPost, "/webhooks/unknown", http.NoBody)
		w = httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("custom path prefix", func(t *testing.T) {
		mux := http.NewServeMux()
		err := Mount(mux, Config{Gateways: []gateway.Gateway{gw}, PathPrefix: "/hooks/"})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/hooks/wallet", http.NoBody)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		// Method check answers 405, proving the route resolved.
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
