package provider

import (
	"fmt"
	"sort"
	"sync"

	"schedsync/internal/models"
)

// Registry maps provider identifiers to adapters. Adapters are registered at process start.
type Registry struct {
	mu        sync.RWMutex
	providers map[models.Provider]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[models.Provider]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the adapter for p.Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the adapter for name.
func (r *Registry) Get(name models.Provider) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", name)
	}
	return p, nil
}

// Names lists registered providers in a stable order.
func (r *Registry) Names() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Provider, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NativeFor returns the registered provider that generates links of type v natively.
func (r *Registry) NativeFor(v models.VideoProvider) (Provider, bool) {
	if v == models.VideoNone {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Capabilities().VideoProvider == v {
			return p, true
		}
	}
	return nil, false
}
