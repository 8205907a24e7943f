package provider

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/uniedit/metering/internal/infra/httpclient"
	"github.com/uniedit/metering/internal/port/outbound"
	"github.com/uniedit/metering/internal/shared/config"
)

// Registry manages provider status clients by name.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]outbound.ProviderStatusPort
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]outbound.ProviderStatusPort),
	}
}

// NewRegistryFromConfig builds one client per configured provider.
// Each client gets its own transport timeout when the provider sets one.
func NewRegistryFromConfig(providers []config.ProviderConfig, observer StateObserver) (*Registry, error) {
	r := NewRegistry()
	for _, p := range providers {
		var hc *http.Client
		if p.Timeout > 0 {
			hc = httpclient.New(httpclient.Config{Timeout: p.Timeout})
		} else {
			hc = httpclient.New(httpclient.DefaultConfig())
		}

		c, err := NewClient(p, hc, observer)
		if err != nil {
			return nil, err
		}
		r.Register(c)
	}
	return r, nil
}

// Register registers a client under its name, replacing any previous one.
func (r *Registry) Register(c outbound.ProviderStatusPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get returns the client for a provider name.
func (r *Registry) Get(name string) (outbound.ProviderStatusPort, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("no status client for provider: %s", name)
	}
	return c, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile-time interface check
var _ outbound.ProviderRegistryPort = (*Registry)(nil)
