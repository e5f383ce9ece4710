// Package gin mounts gateway webhook endpoints on a Gin router.
package gin

import (
	"fmt"
	"net/http"
	"strings"

	gongin "github.com/gin-gonic/gin"

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
// on the router.
func Mount(r gongin.IRouter, config Config) error {
	if r == nil {
		return fmt.Errorf("router is required")
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
		r.POST(prefix+"/"+gw.Name(), gongin.WrapH(gw.WebhookHandler()))
	}
	for name, handler := range config.ReplayHandlers {
		if handler == nil {
			continue
		}
		r.POST(prefix+"/"+name+"/replay", gongin.WrapH(handler))
	}
	return nil
}
