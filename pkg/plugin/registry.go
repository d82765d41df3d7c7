package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// Factory constructs a fresh plugin instance. Each scan gets its own
// instances; plugins never share state across scans.
type Factory func() Plugin

// Registry holds registered plugin factories and their static
// descriptors.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	descriptors map[string]types.PluginDescriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:   make(map[string]Factory),
		descriptors: make(map[string]types.PluginDescriptor),
	}
}

// Register adds a factory. The descriptor is captured from a throwaway
// instance so listing never needs to construct plugins.
func (r *Registry) Register(factory Factory) error {
	desc := factory().Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("plugin descriptor has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[desc.Name]; exists {
		return fmt.Errorf("plugin already registered: %s", desc.Name)
	}
	r.factories[desc.Name] = factory
	r.descriptors[desc.Name] = desc
	return nil
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []types.PluginDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.PluginDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptor returns one plugin's descriptor.
func (r *Registry) Descriptor(name string) (types.PluginDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Has reports whether a plugin name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Instantiate constructs a fresh instance of a named plugin.
func (r *Registry) Instantiate(name string) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin not registered: %s", name)
	}
	return factory(), nil
}

// ValidateOptions rejects unknown option keys for a module set. Known
// keys are declared through the descriptor flag convention "opt:<key>".
func (r *Registry) ValidateOptions(config map[string]map[string]string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for module, opts := range config {
		desc, ok := r.descriptors[module]
		if !ok {
			return fmt.Errorf("unknown module in config: %s", module)
		}
		known := make(map[string]struct{})
		for _, flag := range desc.Flags {
			if len(flag) > 4 && flag[:4] == "opt:" {
				known[flag[4:]] = struct{}{}
			}
		}
		for key := range opts {
			if _, ok := known[key]; !ok {
				return fmt.Errorf("unknown option %q for module %s", key, module)
			}
		}
	}
	return nil
}
