package modloader

import (
	"fmt"
)

// RuntimeOption represents a configuration option for the runtime
type RuntimeOption func(*Runtime) error

// WithActivatorRegistry replaces the runtime's activator factories with reg,
// which may be shared between runtimes.
func WithActivatorRegistry(reg *ActivatorRegistry) RuntimeOption {
	return func(r *Runtime) error {
		if reg == nil {
			return fmt.Errorf("%w: activator registry is nil", ErrActivatorNotFound)
		}
		r.activators = reg
		return nil
	}
}

// WithActivatorFactory registers a single activator factory.
func WithActivatorFactory(name string, factory ActivatorFactory) RuntimeOption {
	return func(r *Runtime) error {
		return r.activators.Register(name, factory)
	}
}

// WithObserver registers an observer for the given event types, or for all
// events when none are given.
func WithObserver(observer Observer, eventTypes ...string) RuntimeOption {
	return func(r *Runtime) error {
		return r.events.RegisterObserver(observer, eventTypes...)
	}
}

// WithPackageLoaderOptions adds options applied to the package loader built
// for each startup, after the ones derived from the config.
func WithPackageLoaderOptions(opts ...PackageLoaderOption) RuntimeOption {
	return func(r *Runtime) error {
		r.loaderOpts = append(r.loaderOpts, opts...)
		return nil
	}
}
