// Package backends builds a projectfs.Backend from configuration.
package backends

import (
	"context"
	"fmt"
	"sync"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/config"
)

// Factory opens a backend from cfg.
type Factory func(ctx context.Context, cfg *config.Config) (projectfs.Backend, error)

// Registry maps backend kinds to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[projectfs.BackendKind]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[projectfs.BackendKind]Factory{}}
}

// Register ties a factory to kind. The first registration for a kind wins.
func (r *Registry) Register(kind projectfs.BackendKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return
	}
	r.factories[kind] = f
}

// Factory returns the factory registered for kind.
func (r *Registry) Factory(kind projectfs.BackendKind) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory for backend %q", kind)
	}
	return f, nil
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []projectfs.BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]projectfs.BackendKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// Open validates cfg and opens the backend it selects.
func (r *Registry) Open(ctx context.Context, cfg *config.Config) (projectfs.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := r.Factory(cfg.Backend)
	if err != nil {
		return nil, err
	}
	return f(ctx, cfg)
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns a process wide Registry with every builtin backend.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		RegisterBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

// Open opens cfg's backend using the Default registry.
func Open(ctx context.Context, cfg *config.Config) (projectfs.Backend, error) {
	return Default().Open(ctx, cfg)
}
