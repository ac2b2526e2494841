package model

import (
	"strings"
	"sync"
)

type ProviderFactory func(apiKey string) Provider

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		factories: make(map[string]ProviderFactory),
	}
}

func (r *Registry) Register(name string, provider Provider) {
	if r == nil || provider == nil {
		return
	}
	key := normalizeProviderName(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = provider
}

func (r *Registry) Get(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizeProviderName(name)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[key]
	return provider, ok
}

// Names lists registered providers, for startup diagnostics.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

func (r *Registry) RegisterFactory(name string, factory ProviderFactory) {
	if r == nil || factory == nil {
		return
	}
	key := normalizeProviderName(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// New builds a provider from a registered factory and registers it under the
// same name.
func (r *Registry) New(name, apiKey string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizeProviderName(name)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	provider := factory(apiKey)
	if provider == nil {
		return nil, false
	}
	r.Register(key, provider)
	return provider, true
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
