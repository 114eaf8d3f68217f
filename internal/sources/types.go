// Package sources implements the worklist data source plugins and the
// registry that maps configured source types to their constructors.
package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/config"
	"github.com/openmwl/worklist-server/internal/worklist"
)

// Plugin is the contract every worklist data source implements. One plugin
// instance serves one configured source for the life of its scheduler loop.
type Plugin interface {
	// ValidateConfig checks the plugin-specific configuration block,
	// required credentials from the process environment, and any declared
	// extraction patterns. It performs no remote calls.
	ValidateConfig() error

	// FetchEntries performs the remote read and returns canonical worklist
	// entries. For incremental-capable plugins, interval bounds the look-back
	// window; non-incremental plugins treat it as advisory and fetch
	// everything on every call.
	FetchEntries(ctx context.Context, interval time.Duration) ([]worklist.Entry, error)

	// SourceName returns the stable provenance tag written to entries.
	SourceName() string

	// SupportsIncrementalSync reports whether interval-bounded fetching is
	// meaningful for this plugin.
	SupportsIncrementalSync() bool

	// Cleanup releases per-cycle resources. Best effort, never fails.
	Cleanup()
}

// Constructor builds a plugin for one configured source.
type Constructor func(src *config.SourceConfig, logger *zap.Logger) (Plugin, error)

// Registry is a lookup table from source type names to plugin constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// NewDefaultRegistry creates a registry with all built-in plugins registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	// Built-in registrations cannot collide.
	_ = r.Register(config.SourceTypeREDCap, func(src *config.SourceConfig, logger *zap.Logger) (Plugin, error) {
		return NewREDCapPlugin(src, nil, logger)
	})
	_ = r.Register(config.SourceTypeCalpendo, func(src *config.SourceConfig, logger *zap.Logger) (Plugin, error) {
		return NewCalpendoPlugin(src, nil, logger)
	})
	_ = r.Register(config.SourceTypeCSV, func(src *config.SourceConfig, logger *zap.Logger) (Plugin, error) {
		return NewCSVPlugin(src, logger)
	})
	return r
}

// Register adds a constructor for a source type. It fails if the type is
// already registered or the constructor is nil.
func (r *Registry) Register(typeName string, ctor Constructor) error {
	if typeName == "" {
		return fmt.Errorf("source type name is required")
	}
	if ctor == nil {
		return fmt.Errorf("constructor for source type %q is nil", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[typeName]; exists {
		return fmt.Errorf("source type %q is already registered", typeName)
	}
	r.constructors[typeName] = ctor
	return nil
}

// Get returns the constructor for a source type.
func (r *Registry) Get(typeName string) (Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ctor, ok := r.constructors[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q, available: %v", typeName, r.typesLocked())
	}
	return ctor, nil
}

// New constructs the plugin for the source's configured type.
func (r *Registry) New(src *config.SourceConfig, logger *zap.Logger) (Plugin, error) {
	ctor, err := r.Get(src.Type)
	if err != nil {
		return nil, err
	}
	return ctor(src, logger)
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typesLocked()
}

func (r *Registry) typesLocked() []string {
	types := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
