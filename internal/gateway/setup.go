package gateway

import (
	"log"
	"os"
	"strconv"
	"time"
)

// NewRegistryFromEnv builds the gateway registry from environment
// configuration. Gateways with no credentials configured are simply not
// registered; payment method configs pointing at them resolve to
// ErrUnknownMethod.
func NewRegistryFromEnv() *Registry {
	registry := NewRegistry()

	timeout := 30 * time.Second
	if v := os.Getenv("GATEWAY_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	if apiURL := os.Getenv("UNIFIED_API_URL"); apiURL != "" {
		registry.Register(NewUnifiedGateway(
			apiURL,
			os.Getenv("UNIFIED_SHOP_ID"),
			os.Getenv("UNIFIED_SECRET_KEY"),
			os.Getenv("UNIFIED_WEBHOOK_SECRET"),
			timeout,
		), nil)
		log.Println("Registered unified gateway")
	}

	if serverKey := os.Getenv("MIDTRANS_SERVER_KEY"); serverKey != "" {
		production := os.Getenv("MIDTRANS_IS_PRODUCTION") == "true"
		registry.Register(NewMidtransGateway(serverKey, production), nil)
		log.Println("Registered midtrans gateway")
	}

	return registry
}
