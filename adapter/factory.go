package adapter

import (
	"fmt"
	"sync"

	"github.com/c360studio/crossdb/plan"
	"github.com/c360studio/crossdb/registry"
)

// Builder constructs an adapter for one data source.
type Builder func(source registry.DataSource) (Adapter, error)

// Factory hands out adapters keyed by source ID, constructing each once and
// caching it so connections are reused across operations. Safe for
// concurrent callers.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder // keyed by backend kind
	cache    map[string]Adapter // keyed by source ID
	registry registry.Registry
}

// NewFactory creates a factory resolving sources through the given registry.
func NewFactory(reg registry.Registry) *Factory {
	return &Factory{
		builders: make(map[string]Builder),
		cache:    make(map[string]Adapter),
		registry: reg,
	}
}

// Register installs the builder for a backend kind, replacing any previous
// registration.
func (f *Factory) Register(kind string, builder Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = builder
}

// Kinds returns the registered backend kinds.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.builders))
	for kind := range f.builders {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Supports reports whether a builder exists for the kind.
func (f *Factory) Supports(kind string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.builders[kind]
	return ok
}

// Get returns the adapter for a source ID, building and caching it on first
// use.
func (f *Factory) Get(sourceID string) (Adapter, error) {
	f.mu.RLock()
	cached, ok := f.cache[sourceID]
	f.mu.RUnlock()
	if ok {
		return cached, nil
	}

	source := f.registry.GetSource(sourceID)
	if source == nil {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownSource, sourceID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// Another caller may have built it while we waited for the lock.
	if cached, ok := f.cache[sourceID]; ok {
		return cached, nil
	}

	builder, ok := f.builders[source.Kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for kind %q (source %s)", source.Kind, sourceID)
	}
	built, err := builder(*source)
	if err != nil {
		return nil, fmt.Errorf("build adapter for %s: %w", sourceID, err)
	}
	f.cache[sourceID] = built
	return built, nil
}

// Evict drops a cached adapter, forcing a rebuild on next Get. Used when a
// source's connection settings change.
func (f *Factory) Evict(sourceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, sourceID)
}

// KindFor resolves the backend kind of a source ID via the registry, falling
// back to the ID prefix convention.
func (f *Factory) KindFor(sourceID string) string {
	if source := f.registry.GetSource(sourceID); source != nil {
		return source.Kind
	}
	return plan.KindOf(sourceID)
}
