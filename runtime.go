// Package modloader loads deployable modules from directories and zip
// archives, isolates each one behind its own class loader and resolves
// symbols across modules strictly along declared dependencies.
//
// A Runtime is the entry point for a hosting application:
//
//	rt, err := modloader.NewRuntime(logger)
//	err = rt.Startup(ctx, cfg)
//	loader, err := rt.ClassLoader("atd")
//	sym, err := loader.Resolve("atdproducer.service.ATDService")
//	err = rt.Shutdown(ctx)
//
// Several runtimes can coexist in one process; there is no global state.
package modloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/modloader/config"
	"github.com/GoCodeAlone/modloader/lifecycle"
)

// archiveExtensions are the package files picked up from a module repository.
var archiveExtensions = []string{".omod", ".zip", ".jar"}

// Runtime owns one set of loaded modules. Startup, Shutdown, Reload and
// Reset are serialized; lookups never block on them.
type Runtime struct {
	mu sync.Mutex

	logger     Logger
	events     *EventBus
	activators *ActivatorRegistry
	loaderOpts []PackageLoaderOption

	cfg      *config.RuntimeConfig
	sources  []string
	registry atomic.Pointer[ModuleRegistry]
	started  atomic.Bool
}

// NewRuntime creates a stopped runtime.
func NewRuntime(logger Logger, opts ...RuntimeOption) (*Runtime, error) {
	if logger == nil {
		logger = NopLogger()
	}
	r := &Runtime{
		logger:     logger,
		events:     NewEventBus(logger),
		activators: NewActivatorRegistry(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply runtime option: %w", err)
		}
	}
	r.registry.Store(NewModuleRegistry(WithRegistryLogger(logger)))
	return r, nil
}

// Startup loads every configured package, registers the modules and starts
// them in dependency order. With on_load_error "abort" any package or
// activator failure aborts startup; with "skip" the failing package is left
// out and the rest still start. Dependency and start failures always abort,
// and leave no module running.
func (r *Runtime) Startup(ctx context.Context, cfg *config.RuntimeConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startup(ctx, cfg)
}

func (r *Runtime) startup(ctx context.Context, cfg *config.RuntimeConfig) error {
	if r.started.Load() {
		return ErrRuntimeAlreadyStarted
	}
	if cfg == nil {
		return config.ErrConfigNil
	}
	if err := config.ApplyDefaults(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	platform, err := ParseVersion(cfg.PlatformVersion)
	if err != nil {
		return err
	}

	sources, err := packagePaths(cfg)
	if err != nil {
		return err
	}
	r.logger.Info("Starting module runtime", "platform", platform.String(), "packages", len(sources))

	loader := r.packageLoader(cfg)
	pkgs, err := r.loadPackages(ctx, loader, sources, cfg)
	if err != nil {
		r.fail(ctx, err)
		return err
	}

	registry := NewModuleRegistry(
		WithPlatformVersion(platform),
		WithStartupTimeout(cfg.StartupTimeoutDuration()),
		WithRegistryLogger(r.logger),
		WithEventBus(r.events),
	)
	if err := r.registerPackages(ctx, registry, pkgs, cfg); err != nil {
		_ = registry.Reset(ctx)
		r.fail(ctx, err)
		return err
	}

	if err := registry.StartAll(ctx); err != nil {
		if rerr := registry.Reset(ctx); rerr != nil {
			r.logger.Warn("Errors while releasing modules after failed startup", "error", rerr)
		}
		r.fail(ctx, err)
		return err
	}

	r.cfg = cfg
	r.sources = sources
	r.registry.Store(registry)
	r.started.Store(true)

	order := registry.StartOrder()
	r.logger.Info("Module runtime started", "modules", order)
	r.events.emitRuntime(ctx, EventTypeRuntimeStarted, map[string]any{"modules": order})
	return nil
}

func (r *Runtime) fail(ctx context.Context, err error) {
	r.logger.Error("Module runtime startup failed", "error", err)
	r.events.emitRuntime(ctx, EventTypeRuntimeFailed, map[string]any{"error": err.Error()})
}

func (r *Runtime) packageLoader(cfg *config.RuntimeConfig) *PackageLoader {
	opts := []PackageLoaderOption{WithPackageLogger(r.logger)}
	if cfg.ExtractDir != "" {
		opts = append(opts, WithExtractDir(cfg.ExtractDir))
	}
	return NewPackageLoader(append(opts, r.loaderOpts...)...)
}

// packagePaths lists the explicit module list followed by the repository's
// packages in name order, without duplicates.
func packagePaths(cfg *config.RuntimeConfig) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		clean := filepath.Clean(p)
		if !seen[clean] {
			seen[clean] = true
			paths = append(paths, clean)
		}
	}
	for _, p := range cfg.Modules() {
		add(p)
	}
	if cfg.ModuleRepository == "" {
		return paths, nil
	}

	entries, err := os.ReadDir(cfg.ModuleRepository)
	if err != nil {
		return nil, fmt.Errorf("failed to read module repository %s: %w", cfg.ModuleRepository, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() || slices.Contains(archiveExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			add(filepath.Join(cfg.ModuleRepository, e.Name()))
		}
	}
	return paths, nil
}

// loadPackages opens packages in parallel and returns them in source order.
// Skipped packages leave no entry.
func (r *Runtime) loadPackages(ctx context.Context, loader *PackageLoader, sources []string, cfg *config.RuntimeConfig) ([]*ModulePackage, error) {
	loaded := make([]*ModulePackage, len(sources))
	skip := cfg.OnLoadError == config.OnLoadErrorSkip

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.LoadConcurrency)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			pkg, err := loader.Load(gctx, src)
			if err != nil {
				r.logger.Error("Failed to load module package", "source", src, "error", err)
				r.events.emitRuntime(ctx, EventTypePackageFailed, map[string]any{
					"source": src,
					"error":  err.Error(),
				})
				if skip && !errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("failed to load %s: %w", src, err)
			}
			loaded[i] = pkg
			return nil
		})
	}
	err := g.Wait()

	pkgs := make([]*ModulePackage, 0, len(loaded))
	for _, pkg := range loaded {
		if pkg != nil {
			pkgs = append(pkgs, pkg)
		}
	}
	if err != nil {
		closePackages(pkgs, r.logger)
		return nil, err
	}
	return pkgs, nil
}

func (r *Runtime) registerPackages(ctx context.Context, registry *ModuleRegistry, pkgs []*ModulePackage, cfg *config.RuntimeConfig) error {
	skip := cfg.OnLoadError == config.OnLoadErrorSkip
	for i, pkg := range pkgs {
		err := r.registerPackage(registry, pkg)
		if err == nil {
			continue
		}
		if !skip {
			closePackages(pkgs[i:], r.logger)
			return err
		}
		r.logger.Warn("Skipping module", "module", pkg.Descriptor().ID(), "source", pkg.Source(), "error", err)
		r.events.emitRuntime(ctx, EventTypePackageFailed, map[string]any{
			"moduleId": pkg.Descriptor().ID(),
			"source":   pkg.Source(),
			"error":    err.Error(),
		})
		_ = pkg.Close()
	}
	return nil
}

func (r *Runtime) registerPackage(registry *ModuleRegistry, pkg *ModulePackage) error {
	activator, err := r.activators.Create(pkg.Descriptor())
	if err != nil {
		return err
	}
	opts := []RegisterOption{}
	if activator != nil {
		opts = append(opts, WithActivator(activator))
	}
	return registry.RegisterPackage(pkg, opts...)
}

func closePackages(pkgs []*ModulePackage, logger Logger) {
	for _, pkg := range pkgs {
		if err := pkg.Close(); err != nil {
			logger.Warn("Failed to release module package", "source", pkg.Source(), "error", err)
		}
	}
}

// Shutdown stops every module in reverse start order under the configured
// stop timeout. Failing stop hooks are logged and reported as events; they
// do not fail the shutdown.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown(ctx)
}

func (r *Runtime) shutdown(ctx context.Context) error {
	if !r.started.Load() {
		return ErrRuntimeNotStarted
	}
	if d := r.cfg.StopTimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	r.logger.Info("Stopping module runtime")
	if err := r.registry.Load().StopAll(ctx); err != nil {
		r.logger.Error("Errors while stopping modules", "error", err)
	}
	r.started.Store(false)
	r.events.emitRuntime(ctx, EventTypeRuntimeStopped, nil)
	return nil
}

// Reload shuts the runtime down and starts it again with the same config,
// picking up changed packages.
func (r *Runtime) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started.Load() {
		return ErrRuntimeNotStarted
	}
	cfg := r.cfg
	if err := r.shutdown(ctx); err != nil {
		return err
	}
	if err := r.startup(ctx, cfg); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	r.events.emitRuntime(ctx, EventTypeRuntimeReloaded, map[string]any{
		"modules": r.registry.Load().StartOrder(),
	})
	return nil
}

// Reset stops the runtime if it is running and forgets its modules and
// config, so the same Runtime can be started again from scratch.
func (r *Runtime) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started.Load() {
		if err := r.shutdown(ctx); err != nil {
			return err
		}
	}
	if err := r.registry.Load().Reset(ctx); err != nil {
		r.logger.Warn("Errors while resetting module registry", "error", err)
	}
	r.registry.Store(NewModuleRegistry(WithRegistryLogger(r.logger)))
	r.cfg = nil
	r.sources = nil
	return nil
}

// Started reports whether Startup succeeded and Shutdown was not called yet.
func (r *Runtime) Started() bool { return r.started.Load() }

// Registry returns the current module registry.
func (r *Runtime) Registry() *ModuleRegistry { return r.registry.Load() }

// Config returns the config of the last successful startup.
func (r *Runtime) Config() *config.RuntimeConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Sources returns the package paths of the last successful startup.
func (r *Runtime) Sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sources)
}

// ClassLoader returns the class loader of a started module.
func (r *Runtime) ClassLoader(id string) (*ModuleClassLoader, error) {
	if !r.started.Load() {
		return nil, ErrRuntimeNotStarted
	}
	reg := r.registry.Load()
	if l, ok := reg.Get(id); ok {
		return l, nil
	}
	if _, known := reg.Descriptor(id); known {
		return nil, fmt.Errorf("%w: %s is %s", ErrModuleNotStarted, id, reg.State(id))
	}
	return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
}

// LoadSymbol resolves a name from the hosting application's point of view:
// started modules are searched in start order and the first one that can
// see the name wins. Module class loaders never fall back to this.
func (r *Runtime) LoadSymbol(name string) (*Symbol, error) {
	if !r.started.Load() {
		return nil, ErrRuntimeNotStarted
	}
	for _, l := range r.registry.Load().Loaders() {
		if res := l.Lookup(name); res.Found() {
			return res.Symbol, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

// State returns the lifecycle state of a module.
func (r *Runtime) State(id string) lifecycle.State {
	return r.registry.Load().State(id)
}

// Modules lists the modules of the current registry.
func (r *Runtime) Modules() []ModuleStatus {
	return r.registry.Load().Modules()
}

// RegisterActivator binds a descriptor activator name to a factory.
func (r *Runtime) RegisterActivator(name string, factory ActivatorFactory) error {
	return r.activators.Register(name, factory)
}

// RegisterObserver subscribes an observer to runtime and module events.
func (r *Runtime) RegisterObserver(observer Observer, eventTypes ...string) error {
	return r.events.RegisterObserver(observer, eventTypes...)
}

// UnregisterObserver removes an observer.
func (r *Runtime) UnregisterObserver(observer Observer) error {
	return r.events.UnregisterObserver(observer)
}

// NotifyObservers delivers an event to the runtime's observers.
func (r *Runtime) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	return r.events.NotifyObservers(ctx, event)
}

// GetObservers describes the registered observers.
func (r *Runtime) GetObservers() []ObserverInfo {
	return r.events.GetObservers()
}

var (
	_ Subject = (*Runtime)(nil)
	_ Subject = (*EventBus)(nil)
)
