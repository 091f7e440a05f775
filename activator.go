package modloader

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Activator is a module's lifecycle hook. Start runs after the module's
// class loader exists and every dependency is started; Stop runs during
// shutdown before the module's resources are released, dependents first.
//
// Start is called with a context carrying the per-module startup timeout and
// should return promptly once it is done.
type Activator interface {
	Start(ctx context.Context, loader *ModuleClassLoader) error
	Stop(ctx context.Context) error
}

// ActivatorFuncs adapts plain functions to Activator. Nil functions are no-ops.
type ActivatorFuncs struct {
	OnStart func(ctx context.Context, loader *ModuleClassLoader) error
	OnStop  func(ctx context.Context) error
}

// Start calls OnStart.
func (a ActivatorFuncs) Start(ctx context.Context, loader *ModuleClassLoader) error {
	if a.OnStart == nil {
		return nil
	}
	return a.OnStart(ctx, loader)
}

// Stop calls OnStop.
func (a ActivatorFuncs) Stop(ctx context.Context) error {
	if a.OnStop == nil {
		return nil
	}
	return a.OnStop(ctx)
}

// ActivatorFactory creates the activator for one module instance.
type ActivatorFactory func(desc *ModuleDescriptor) (Activator, error)

// ActivatorRegistry maps the activator names used in descriptors to typed
// factories.
type ActivatorRegistry struct {
	mu        sync.RWMutex
	factories map[string]ActivatorFactory
}

// NewActivatorRegistry creates an empty activator registry.
func NewActivatorRegistry() *ActivatorRegistry {
	return &ActivatorRegistry{factories: make(map[string]ActivatorFactory)}
}

// Register binds a name to a factory.
func (r *ActivatorRegistry) Register(name string, factory ActivatorFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrActivatorRegistered, name)
	}
	r.factories[name] = factory
	return nil
}

// Names returns the registered activator names, sorted.
func (r *ActivatorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the activator named by the descriptor. A descriptor without
// an activator yields (nil, nil).
func (r *ActivatorRegistry) Create(desc *ModuleDescriptor) (Activator, error) {
	name := desc.Activator()
	if name == "" {
		return nil, nil
	}

	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (module %s)", ErrActivatorNotFound, name, desc.ID())
	}
	a, err := factory(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to create activator %s for module %s: %w", name, desc.ID(), err)
	}
	return a, nil
}
