// Package inference runs the embedding model over preprocessed tensors.
package inference

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thebtf/cellmaps-embedding/internal/config"
	"github.com/thebtf/cellmaps-embedding/internal/preprocess"
)

// Backend is a loaded embedding model.
type Backend interface {
	// Name returns the backend name ("onnx", "fake").
	Name() string

	// Dimensions returns the embedding vector size.
	Dimensions() int

	// InputShape returns the expected [C,H,W] input. Zero entries are dynamic.
	InputShape() [3]int

	// Device returns the execution device actually in use.
	Device() string

	// Run embeds a batch of same-shaped tensors, one vector per tensor.
	Run(batch []*preprocess.Tensor) ([][]float32, error)

	// Close releases model resources.
	Close() error
}

// Factory creates a backend from configuration.
type Factory func(cfg *config.Config, logger zerolog.Logger) (Backend, error)

// Registry provides backend lookup by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a backend factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
	return f, nil
}

// Names lists registered backends.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry holds the built-in backends.
var DefaultRegistry = func() *Registry {
	r := NewRegistry()
	r.Register(config.BackendONNX, newONNXBackend)
	r.Register(config.BackendFake, newFakeBackend)
	return r
}()
