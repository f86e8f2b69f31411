package gateway

import (
	"sync"

	"donorhub_echo/internal/models"
)

// Registry maps gateway names to implementations plus their base settings.
// Many payment method slugs may share one gateway with different settings;
// Resolve merges the method config's blob over the gateway base at call time.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	settings map[string]map[string]interface{}
}

func NewRegistry() *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		settings: make(map[string]map[string]interface{}),
	}
}

// Register adds a gateway implementation under its name with base settings
func (r *Registry) Register(g Gateway, baseSettings map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
	r.settings[g.Name()] = baseSettings
}

// Get returns a registered gateway by name
func (r *Registry) Get(name string) (Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	return g, ok
}

// Resolve looks up the gateway backing a payment method config and returns
// it with settings merged (method config wins over gateway base).
func (r *Registry) Resolve(cfg *models.PaymentMethodConfig) (Gateway, map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gateways[cfg.Gateway]
	if !ok {
		return nil, nil, ErrUnknownMethod
	}

	merged := make(map[string]interface{})
	for k, v := range r.settings[cfg.Gateway] {
		merged[k] = v
	}
	for k, v := range cfg.Settings {
		merged[k] = v
	}
	return g, merged, nil
}
