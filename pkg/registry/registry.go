package registry

import (
	"sort"
	"sync"

	"github.com/absconda/absconda/pkg/config"
)

// Registry offers a threadsafe view of the configured remote builders.
// Definitions are loaded once at startup and never mutated.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]config.BuilderDefinition
}

// New returns an empty registry ready for population from configuration.
func New() *Registry {
	return &Registry{entries: map[string]config.BuilderDefinition{}}
}

// FromConfig builds a registry from a loaded configuration.
func FromConfig(cfg *config.Config) *Registry {
	r := New()
	for _, def := range cfg.Builders {
		r.Set(def)
	}
	return r
}

// Set stores or replaces a builder definition.
func (r *Registry) Set(def config.BuilderDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = def
}

// Get retrieves a definition by name and a boolean indicating its presence.
func (r *Registry) Get(name string) (config.BuilderDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.entries[name]
	return def, ok
}

// Names returns the configured builder names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
