package plugin

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrModuleNotFound  = errors.New("module not found")
	ErrDuplicateModule = errors.New("module already registered")
)

// Instance is one loaded version of a module. Instances are immutable once
// installed; reload installs a new Instance instead of mutating the old one.
type Instance struct {
	Module   Module
	Version  int
	LoadedAt time.Time
	// Position is the registration order and the arbitration tie-breaker.
	Position int
}

// Name returns the module name.
func (i *Instance) Name() string { return i.Module.Name() }

// ChangeKind describes a registry mutation.
type ChangeKind string

const (
	ChangeRegistered   ChangeKind = "registered"
	ChangeUnregistered ChangeKind = "unregistered"
	ChangeReloaded     ChangeKind = "reloaded"
)

// Change is delivered to registry listeners after a mutation is applied.
type Change struct {
	Kind    ChangeKind
	Name    string
	Version int
}

type entry struct {
	current  *Instance
	factory  Factory
	position int
}

// Registry manages the active set of modules.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string
	nextPos   int
	listeners []func(Change)
}

// NewRegistry creates an empty module registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register installs a module that has no factory. Reloading it re-installs
// the same value as a new version.
func (r *Registry) Register(m Module) error {
	if m == nil {
		return fmt.Errorf("nil module")
	}
	return r.install(m, nil)
}

// RegisterFactory builds a module with f and installs it. Reload calls f
// again to obtain the replacement instance.
func (r *Registry) RegisterFactory(f Factory) error {
	m, err := f()
	if err != nil {
		return fmt.Errorf("failed to build module: %w", err)
	}
	if m == nil {
		return fmt.Errorf("factory returned nil module")
	}
	return r.install(m, f)
}

func (r *Registry) install(m Module, f Factory) error {
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module name is required")
	}

	r.mu.Lock()
	if _, exists := r.entries[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	pos := r.nextPos
	r.nextPos++
	r.entries[name] = &entry{
		current:  &Instance{Module: m, Version: 1, LoadedAt: time.Now(), Position: pos},
		factory:  f,
		position: pos,
	}
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeRegistered, Name: name, Version: 1})
	return nil
}

// Unregister removes a module from the active set. Commands already holding
// its instance finish against it.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	if _, exists := r.entries[name]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeUnregistered, Name: name})
	return nil
}

// Reload builds a new instance of the named module and atomically swaps it
// in. On failure the previous instance stays active. The module keeps its
// registration position.
func (r *Registry) Reload(name string) (*Instance, error) {
	r.mu.RLock()
	e, exists := r.entries[name]
	var factory Factory
	var old *Instance
	if exists {
		factory = e.factory
		old = e.current
	}
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}

	// Build outside the lock; factories may touch the filesystem.
	m := old.Module
	if factory != nil {
		built, err := factory()
		if err != nil {
			return nil, fmt.Errorf("failed to reload module %s: %w", name, err)
		}
		if built == nil || built.Name() != name {
			return nil, fmt.Errorf("failed to reload module %s: factory produced a different module", name)
		}
		m = built
	}

	r.mu.Lock()
	e, exists = r.entries[name]
	if !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	next := &Instance{
		Module:   m,
		Version:  e.current.Version + 1,
		LoadedAt: time.Now(),
		Position: e.position,
	}
	e.current = next
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeReloaded, Name: name, Version: next.Version})
	return next, nil
}

// Get returns the current instance of a module.
func (r *Registry) Get(name string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return e.current, nil
}

// Has reports whether a module with this name is active.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns active module names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Snapshot returns the current instances in registration order. Callers
// keep using these instances even if a reload happens meanwhile.
func (r *Registry) Snapshot() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]*Instance, 0, len(r.order))
	for _, name := range r.order {
		instances = append(instances, r.entries[name].current)
	}
	return instances
}

// OnChange registers a listener called after every mutation.
func (r *Registry) OnChange(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(c Change) {
	r.mu.RLock()
	listeners := make([]func(Change), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
}
