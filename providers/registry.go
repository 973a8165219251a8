// Package providers bundles the built-in upstream adapters and a registry
// keyed by provider type. OpenAI-compatible endpoints reuse type "openai"
// with Name and BaseURL overrides.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blueberrycongee/semcache/pkg/provider"
	"github.com/blueberrycongee/semcache/providers/anthropic"
	"github.com/blueberrycongee/semcache/providers/openai"
)

var (
	mu       sync.RWMutex
	registry = map[string]provider.Factory{
		openai.ProviderName:    openai.NewFromConfig,
		anthropic.ProviderName: anthropic.NewFromConfig,
	}
)

// Register makes an adapter factory available under the given type name.
// Out-of-tree adapters call this from their init; registering an existing
// name replaces the builtin.
func Register(providerType string, factory provider.Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// Create builds a provider instance from configuration.
func Create(cfg provider.Config) (provider.Provider, error) {
	mu.RLock()
	factory, ok := registry[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (available: %v)", cfg.Type, List())
	}
	return factory(cfg)
}

// List returns the registered provider type names, sorted.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
