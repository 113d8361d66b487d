package hooks

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Readm/gnb_sim/core"
)

// GlobalPluginFactory installs hooks that see every cell.
type GlobalPluginFactory func(broker *PluginBroker) error

// CellPluginFactory installs hooks for a single cell. It runs once per cell the plugin is
// loaded for.
type CellPluginFactory func(cell core.CellIndex, broker *PluginBroker) error

// Scope tells whether a plugin is installed once or once per cell.
type Scope uint8

const (
	ScopeGlobal Scope = iota
	ScopeCell
)

func (s Scope) String() string {
	if s == ScopeCell {
		return "cell"
	}
	return "global"
}

type registryEntry struct {
	desc   PluginDescriptor
	scope  Scope
	global GlobalPluginFactory
	cell   CellPluginFactory
}

// Registry maps plugin names from the configuration to factories. Names are unique across
// scopes, so a configured name always resolves to exactly one plugin.
type Registry struct {
	mu      sync.RWMutex
	broker  *PluginBroker
	entries map[string]registryEntry
	loaded  []string
}

// NewRegistry creates an empty registry installing into broker.
func NewRegistry(broker *PluginBroker) *Registry {
	if broker == nil {
		broker = NewPluginBroker()
	}
	return &Registry{
		broker:  broker,
		entries: make(map[string]registryEntry),
	}
}

// Broker returns the broker plugins are installed into.
func (r *Registry) Broker() *PluginBroker {
	if r == nil {
		return nil
	}
	return r.broker
}

// RegisterGlobal makes a global plugin available under name.
func (r *Registry) RegisterGlobal(name string, desc PluginDescriptor, factory GlobalPluginFactory) error {
	if factory == nil {
		return fmt.Errorf("plugin %q: nil factory", name)
	}
	return r.register(name, registryEntry{desc: desc, scope: ScopeGlobal, global: factory})
}

// RegisterCell makes a per-cell plugin available under name.
func (r *Registry) RegisterCell(name string, desc PluginDescriptor, factory CellPluginFactory) error {
	if factory == nil {
		return fmt.Errorf("plugin %q: nil factory", name)
	}
	return r.register(name, registryEntry{desc: desc, scope: ScopeCell, cell: factory})
}

func (r *Registry) register(name string, e registryEntry) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if e.desc.Name == "" {
		e.desc.Name = name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.entries[name]; exists {
		return fmt.Errorf("plugin %q already registered as %s plugin", name, prev.scope)
	}
	r.entries[name] = e
	return nil
}

// Load installs the named plugins. Global plugins are installed once, cell plugins once
// for every entry of cells. Loading stops at the first unknown name or failing factory.
func (r *Registry) Load(names []string, cells []core.CellIndex) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, name := range names {
		r.mu.RLock()
		e, ok := r.entries[name]
		done := slices.Contains(r.loaded, name)
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("plugin not found: %s", name)
		}
		if done {
			continue
		}

		switch e.scope {
		case ScopeGlobal:
			if err := e.global(r.broker); err != nil {
				return fmt.Errorf("plugin %s failed: %w", name, err)
			}
		case ScopeCell:
			for _, cell := range cells {
				if err := e.cell(cell, r.broker); err != nil {
					return fmt.Errorf("plugin %s failed on cell %d: %w", name, cell, err)
				}
			}
		}
		r.broker.RegisterPluginMetadata(e.desc)

		r.mu.Lock()
		r.loaded = append(r.loaded, name)
		r.mu.Unlock()
	}
	return nil
}

// Loaded returns the names installed so far, in load order.
func (r *Registry) Loaded() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.loaded)
}

// Descriptor returns the metadata and scope registered under name.
func (r *Registry) Descriptor(name string) (PluginDescriptor, Scope, bool) {
	if r == nil {
		return PluginDescriptor{}, ScopeGlobal, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.desc, e.scope, ok
}
