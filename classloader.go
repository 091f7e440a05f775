package modloader

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ModuleClassLoader is the isolation unit of one module. It owns the
// module's package and resolves names locally first, then through the class
// loaders of the modules it declares as dependencies, in declaration order.
// Nothing outside the declared dependencies is visible.
//
// A loader is safe for concurrent use. Each name is resolved at most once per
// loader; later lookups return the identical result.
type ModuleClassLoader struct {
	desc *ModuleDescriptor
	pkg  *ModulePackage
	deps []*ModuleClassLoader

	cache     sync.Map // cacheKey -> *cacheSlot
	discarded atomic.Bool
}

type cacheKey struct {
	kind EntryKind
	name string
}

type cacheSlot struct {
	once sync.Once
	sym  *Symbol
}

// newModuleClassLoader is only called by the registry, after every loader in
// deps has been started.
func newModuleClassLoader(pkg *ModulePackage, deps []*ModuleClassLoader) *ModuleClassLoader {
	d := make([]*ModuleClassLoader, len(deps))
	copy(d, deps)
	return &ModuleClassLoader{
		desc: pkg.Descriptor(),
		pkg:  pkg,
		deps: d,
	}
}

// ID returns the id of the module this loader isolates.
func (l *ModuleClassLoader) ID() string { return l.desc.ID() }

// Module returns the descriptor of the module this loader isolates.
func (l *ModuleClassLoader) Module() *ModuleDescriptor { return l.desc }

// Package returns the module's package.
func (l *ModuleClassLoader) Package() *ModulePackage { return l.pkg }

// Dependencies returns the loaders this loader delegates to, in lookup order.
func (l *ModuleClassLoader) Dependencies() []*ModuleClassLoader {
	out := make([]*ModuleClassLoader, len(l.deps))
	copy(out, l.deps)
	return out
}

// Discarded reports whether the module was stopped.
func (l *ModuleClassLoader) Discarded() bool { return l.discarded.Load() }

// Resolve returns the symbol for a fully-qualified name. The error wraps
// ErrSymbolNotFound when neither this module nor any of its dependencies
// defines the name, and ErrModuleNotStarted once the module was stopped.
func (l *ModuleClassLoader) Resolve(name string) (*Symbol, error) {
	return l.resolveKind(EntrySymbol, name)
}

// FindResource resolves a resource by slash path with the same visibility
// rules as Resolve.
func (l *ModuleClassLoader) FindResource(name string) (*Symbol, error) {
	return l.resolveKind(EntryResource, name)
}

// Lookup resolves a name and reports the outcome as a tagged result instead
// of an error.
func (l *ModuleClassLoader) Lookup(name string) Resolution {
	sym, err := l.Resolve(name)
	switch {
	case errors.Is(err, ErrModuleNotStarted):
		return Resolution{Name: name, Status: Unavailable}
	case err != nil:
		return Resolution{Name: name, Status: NotFound}
	}
	return Resolution{Name: name, Status: Found, Symbol: sym}
}

// CanSee reports whether name resolves through this loader.
func (l *ModuleClassLoader) CanSee(name string) bool {
	return l.Lookup(name).Found()
}

func (l *ModuleClassLoader) resolveKind(kind EntryKind, name string) (*Symbol, error) {
	if l.discarded.Load() {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotStarted, l.ID())
	}
	if sym := l.resolve(cacheKey{kind: kind, name: name}); sym != nil {
		return sym, nil
	}
	return nil, fmt.Errorf("%w: %s from module %s", ErrSymbolNotFound, name, l.ID())
}

// resolve memoizes lookups per key. Negative results are cached as well; the
// dependency set of a loader never changes while it is alive.
func (l *ModuleClassLoader) resolve(key cacheKey) *Symbol {
	v, ok := l.cache.Load(key)
	if !ok {
		v, _ = l.cache.LoadOrStore(key, &cacheSlot{})
	}
	slot := v.(*cacheSlot)
	slot.once.Do(func() {
		slot.sym = l.find(key)
	})
	return slot.sym
}

func (l *ModuleClassLoader) find(key cacheKey) *Symbol {
	if e, ok := l.pkg.Entry(key.name); ok && e.Kind == key.kind {
		return &Symbol{entry: e, loader: l}
	}
	for _, dep := range l.deps {
		if sym := dep.resolve(key); sym != nil {
			return sym
		}
	}
	return nil
}

// discard marks the loader as stopped. Cached symbols stay valid for callers
// that already hold them.
func (l *ModuleClassLoader) discard() {
	l.discarded.Store(true)
}

func (l *ModuleClassLoader) String() string {
	return "ModuleClassLoader(" + l.desc.String() + ")"
}
