package tool

import (
	"fmt"
	"sort"
	"sync"
)

// Descriptor describes one registered toolset: its name, declared
// dependencies, and constructor. Descriptors are registered at process
// start and immutable afterwards.
type Descriptor struct {
	Name          string
	RequiredTools []string
	New           Constructor
}

// Registry is the process-wide toolset catalog. Per-user chests consult it
// but never mutate it after startup.
//
// Thread Safety:
// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry creates an empty registry ready for registration.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Register adds a descriptor. Names must be unique; registering a duplicate
// name or an unresolvable dependency is a startup error.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool: descriptor name is required")
	}
	if d.New == nil {
		return fmt.Errorf("tool: descriptor %q has no constructor", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[d.Name]; ok {
		return fmt.Errorf("tool: descriptor %q already registered", d.Name)
	}
	r.descriptors[d.Name] = d
	return nil
}

// MustRegister registers a descriptor and panics on error. Intended for
// process-start wiring only.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get returns the descriptor for a toolset name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Names returns all registered toolset names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every declared dependency resolves to a registered
// descriptor. Call once after startup registration completes.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, d := range r.descriptors {
		for _, dep := range d.RequiredTools {
			if _, ok := r.descriptors[dep]; !ok {
				return fmt.Errorf("tool: %q requires unregistered tool %q", name, dep)
			}
		}
	}
	return nil
}
