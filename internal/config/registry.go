package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxid/pkg/voiceprint"
)

// ErrBackendNotRegistered is returned by [Registry.CreateStorage] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: storage backend not registered")

// StorageFactory opens a repository backend from its config section.
type StorageFactory func(ctx context.Context, cfg StorageConfig) (voiceprint.Store, error)

// Registry maps storage backend names to their factories. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	storage map[string]StorageFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{storage: make(map[string]StorageFactory)}
}

// RegisterStorage registers a backend factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterStorage(name string, factory StorageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage[name] = factory
}

// StorageBackends returns the registered backend names, sorted.
func (r *Registry) StorageBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.storage))
	for name := range r.storage {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateStorage opens the backend named by cfg.Backend. Returns
// [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateStorage(ctx context.Context, cfg StorageConfig) (voiceprint.Store, error) {
	r.mu.RLock()
	factory, ok := r.storage[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}
