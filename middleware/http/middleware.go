// Package http mounts gateway webhook endpoints on a standard ServeMux.
package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/billsync/pkg/gateway"
)

const defaultPathPrefix = "/webhooks"

// Config holds mount configuration.
type Config struct {
	// Gateways are mounted at {PathPrefix}/{name} (required, non-empty).
	Gateways []gateway.Gateway

	// PathPrefix defaults to "/webhooks".
	PathPrefix string

	// ReplayHandlers maps a gateway name to its batch replay handler,
	// mounted at {PathPrefix}/{name}/replay.
	ReplayHandlers map[string]http.Handler
}

// Mount registers every gateway's webhook handler, and any replay handlers,
// on the mux.
func Mount(mux *http.ServeMux, config Config) error {
	if mux == nil {
		return fmt.Errorf("mux is required")
	}
	if len(config.Gateways) == 0 {
		return fmt.Errorf("at least one gateway is required")
	}

	prefix := strings.TrimRight(config.PathPrefix, "/")
	if prefix == "" {
		prefix = defaultPathPrefix
	}

	for _, gw := range config.Gateways {
		if gw == nil || gw.Name() == "" {
			return fmt.Errorf("gateway without a name")
		}
		mux.Handle(prefix+"/"+gw.Name(), gw.WebhookHandler())
	}
	for name, handler := range config.ReplayHandlers {
		if handler == nil {
			continue
		}
		mux.Handle(prefix+"/"+name+"/replay", handler)
	}
	return nil
}
