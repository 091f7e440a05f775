package modloader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modloader/lifecycle"
)

// ModuleRegistry tracks registered modules and drives their lifecycle.
// Register, StartAll, StopAll, Stop and Reset are serialized by a control
// lock. Get, State and Modules read an atomically published snapshot and
// never block on a running start or stop sequence.
type ModuleRegistry struct {
	control sync.Mutex

	entries    map[string]*moduleEntry
	registered []string
	started    []string

	snapshot atomic.Pointer[registrySnapshot]

	platform       *Version
	startupTimeout time.Duration
	logger         Logger
	events         *EventBus
}

type moduleEntry struct {
	desc      *ModuleDescriptor
	pkg       *ModulePackage
	activator Activator
	machine   *lifecycle.Machine
	loader    *ModuleClassLoader
	// late is closed once an abandoned start hook has returned.
	late chan struct{}
}

type registrySnapshot struct {
	entries map[string]*moduleEntry
	loaders map[string]*ModuleClassLoader
	ids     []string
	started []string
}

// ModuleStatus describes one registered module.
type ModuleStatus struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	State   lifecycle.State `json:"state"`
	Source  string          `json:"source,omitempty"`
}

// RegistryOption configures a ModuleRegistry.
type RegistryOption func(*ModuleRegistry)

// WithPlatformVersion sets the platform version checked against each
// module's require_platform range. Without it the check is skipped.
func WithPlatformVersion(v *Version) RegistryOption {
	return func(r *ModuleRegistry) { r.platform = v }
}

// WithStartupTimeout bounds each activator Start call. Zero disables the
// bound.
func WithStartupTimeout(d time.Duration) RegistryOption {
	return func(r *ModuleRegistry) { r.startupTimeout = d }
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(logger Logger) RegistryOption {
	return func(r *ModuleRegistry) { r.logger = logger }
}

// WithEventBus makes the registry emit lifecycle events on bus.
func WithEventBus(bus *EventBus) RegistryOption {
	return func(r *ModuleRegistry) { r.events = bus }
}

// NewModuleRegistry creates an empty registry.
func NewModuleRegistry(opts ...RegistryOption) *ModuleRegistry {
	r := &ModuleRegistry{
		entries: make(map[string]*moduleEntry),
		logger:  NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.publish()
	return r
}

// RegisterOption configures a single registration.
type RegisterOption func(*moduleEntry)

// WithPackage attaches the module's package. The registry takes ownership and
// closes it when the module stops or the registry is reset.
func WithPackage(pkg *ModulePackage) RegisterOption {
	return func(e *moduleEntry) { e.pkg = pkg }
}

// WithActivator attaches the module's lifecycle hooks.
func WithActivator(a Activator) RegisterOption {
	return func(e *moduleEntry) { e.activator = a }
}

// Register adds a module in StateUnloaded. Modules registered while others
// are running are started by the next StartAll.
func (r *ModuleRegistry) Register(desc *ModuleDescriptor, opts ...RegisterOption) error {
	if desc == nil {
		return ErrNilDescriptor
	}
	e := &moduleEntry{desc: desc, machine: lifecycle.NewMachine()}
	for _, opt := range opts {
		opt(e)
	}
	if e.pkg == nil {
		e.pkg = emptyPackage(desc)
	} else if e.pkg.Descriptor().ID() != desc.ID() {
		return fmt.Errorf("%w: package %s does not belong to module %s", ErrMalformedDescriptor, e.pkg.Descriptor().ID(), desc.ID())
	}

	r.control.Lock()
	defer r.control.Unlock()

	if _, exists := r.entries[desc.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrModuleAlreadyRegistered, desc.ID())
	}
	r.entries[desc.ID()] = e
	r.registered = append(r.registered, desc.ID())
	r.publish()

	r.logger.Debug("Registered module", "module", desc.ID(), "version", desc.Version().String(), "source", e.pkg.Source())
	r.events.emitModule(context.Background(), EventTypeModuleRegistered, desc.ID(), map[string]any{
		"moduleVersion": desc.Version().String(),
	})
	return nil
}

// RegisterPackage registers the module described by pkg's descriptor.
func (r *ModuleRegistry) RegisterPackage(pkg *ModulePackage, opts ...RegisterOption) error {
	if pkg == nil {
		return ErrNilDescriptor
	}
	return r.Register(pkg.Descriptor(), append([]RegisterOption{WithPackage(pkg)}, opts...)...)
}

// StartAll resolves and starts every module that is not running yet, in
// dependency order. Resolution and ordering are checked for the whole set
// before anything changes: an unsatisfied dependency or a cycle leaves every
// state untouched. A failure while starting stops the modules started by
// this call again, in reverse order, and leaves them RESOLVED.
func (r *ModuleRegistry) StartAll(ctx context.Context) error {
	r.control.Lock()
	defer r.control.Unlock()

	pending := r.pending()
	if len(pending) == 0 {
		return nil
	}

	if err := r.checkResolvable(pending); err != nil {
		r.logger.Error("Module resolution failed", "error", err)
		return err
	}

	order, err := r.buildGraph().Order()
	if err != nil {
		r.logger.Error("Module ordering failed", "error", err)
		return err
	}
	r.logger.Debug("Module start order", "order", order)

	for _, id := range pending {
		e := r.entries[id]
		if e.machine.State() == lifecycle.StateResolved {
			continue
		}
		if err := e.machine.To(lifecycle.StateResolved); err != nil {
			return fmt.Errorf("module %s: %w", id, err)
		}
		r.events.emitModule(ctx, EventTypeModuleResolved, id, nil)
	}

	var startedNow []*moduleEntry
	for _, id := range order {
		e := r.entries[id]
		if e.machine.State() != lifecycle.StateResolved {
			continue
		}
		if err := r.start(ctx, e); err != nil {
			r.logger.Error("Failed to start module", "module", id, "error", err)
			r.events.emitModule(ctx, EventTypeModuleFailed, id, map[string]any{"error": err.Error()})
			r.rollback(ctx, startedNow)
			return fmt.Errorf("failed to start module %s: %w", id, err)
		}
		startedNow = append(startedNow, e)
	}
	return nil
}

// pending lists modules waiting to start, in registration order.
func (r *ModuleRegistry) pending() []string {
	var ids []string
	for _, id := range r.registered {
		switch r.entries[id].machine.State() {
		case lifecycle.StateUnloaded, lifecycle.StateResolved:
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *ModuleRegistry) checkResolvable(pending []string) error {
	var errs []error
	for _, id := range pending {
		desc := r.entries[id].desc
		if r.platform != nil && !desc.RequirePlatform().Allows(r.platform) {
			errs = append(errs, fmt.Errorf("%w: module %s requires platform %s, running %s",
				ErrUnsatisfiedDependency, id, desc.RequirePlatform(), r.platform))
		}
		for _, dep := range desc.Dependencies() {
			target, ok := r.entries[dep.ID]
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("%w: module %s requires %s which is not registered",
					ErrUnsatisfiedDependency, id, dep))
			case !dep.Range.Allows(target.desc.Version()):
				errs = append(errs, fmt.Errorf("%w: module %s requires %s, found %s",
					ErrUnsatisfiedDependency, id, dep, target.desc.Version()))
			case target.machine.State() == lifecycle.StateStopped:
				errs = append(errs, fmt.Errorf("%w: module %s requires %s which is stopped",
					ErrUnsatisfiedDependency, id, dep.ID))
			}
		}
	}
	return errors.Join(errs...)
}

// awareOfPresent returns the optional dependencies of e that take part in
// ordering and lookup.
func (r *ModuleRegistry) awareOfPresent(e *moduleEntry) []string {
	var ids []string
	for _, dep := range e.desc.AwareOf() {
		target, ok := r.entries[dep.ID]
		if !ok || target.machine.State() == lifecycle.StateStopped {
			continue
		}
		if !dep.Range.Allows(target.desc.Version()) {
			r.logger.Warn("Ignoring incompatible optional module", "module", e.desc.ID(), "awareOf", dep.String(), "found", target.desc.Version().String())
			continue
		}
		ids = append(ids, dep.ID)
	}
	return ids
}

func (r *ModuleRegistry) buildGraph() *DependencyGraph {
	g := NewDependencyGraph()
	for _, id := range r.registered {
		e := r.entries[id]
		if e.machine.State() == lifecycle.StateStopped {
			continue
		}
		g.AddModule(id, e.desc.DependencyIDs()...)
		g.AddModule(id, r.awareOfPresent(e)...)
	}
	return g
}

func (r *ModuleRegistry) start(ctx context.Context, e *moduleEntry) error {
	id := e.desc.ID()
	depIDs := append(e.desc.DependencyIDs(), r.awareOfPresent(e)...)
	deps := make([]*ModuleClassLoader, 0, len(depIDs))
	for _, depID := range depIDs {
		dep := r.entries[depID]
		if dep.machine.State() != lifecycle.StateStarted || dep.loader == nil {
			return fmt.Errorf("%w: %s is not started", ErrUnsatisfiedDependency, depID)
		}
		deps = append(deps, dep.loader)
	}

	loader := newModuleClassLoader(e.pkg, deps)
	r.logger.Info("Starting module", "module", id)
	if err := r.runStart(ctx, e, loader); err != nil {
		loader.discard()
		return err
	}
	if err := e.machine.To(lifecycle.StateStarted); err != nil {
		loader.discard()
		return err
	}
	e.loader = loader
	r.started = append(r.started, id)
	r.publish()

	r.events.emitModule(ctx, EventTypeModuleStarted, id, map[string]any{
		"moduleVersion": e.desc.Version().String(),
	})
	return nil
}

// runStart calls the activator under the startup timeout. The timeout is
// soft: a hook that ignores its context keeps running in the background,
// but the sequence no longer waits for it. If such a hook later succeeds,
// its activator is stopped again by stopLate.
func (r *ModuleRegistry) runStart(ctx context.Context, e *moduleEntry, loader *ModuleClassLoader) error {
	if e.activator == nil {
		return nil
	}
	if r.startupTimeout <= 0 {
		return safeStart(ctx, e.activator, loader)
	}

	startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
	defer cancel()

	if e.late != nil {
		select {
		case <-e.late:
			e.late = nil
		case <-startCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s after %s, previous start still running", ErrStartupTimeout, e.desc.ID(), r.startupTimeout)
		}
	}

	done := make(chan error, 1)
	go func() { done <- safeStart(startCtx, e.activator, loader) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s after %s", ErrStartupTimeout, e.desc.ID(), r.startupTimeout)
		}
		return err
	case <-startCtx.Done():
		e.late = make(chan struct{})
		go r.stopLate(e, done, e.late)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrStartupTimeout, e.desc.ID(), r.startupTimeout)
	}
}

// stopLate waits for an abandoned start hook. A hook that still returns
// nil has started its activator, which is then stopped.
func (r *ModuleRegistry) stopLate(e *moduleEntry, done <-chan error, late chan<- struct{}) {
	defer close(late)
	if err := <-done; err != nil {
		return
	}
	id := e.desc.ID()
	r.logger.Warn("Module started after its startup timeout, stopping it", "module", id)
	if err := safeStop(context.Background(), e.activator); err != nil {
		r.logger.Error("Error stopping late-started module", "module", id, "error", err)
	}
}

func safeStart(ctx context.Context, a Activator, loader *ModuleClassLoader) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("activator panicked: %v", rec)
		}
	}()
	return a.Start(ctx, loader)
}

func safeStop(ctx context.Context, a Activator) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("activator panicked: %v", rec)
		}
	}()
	return a.Stop(ctx)
}

// rollback undoes a partial start sequence. Packages stay open so the
// modules can be started again.
func (r *ModuleRegistry) rollback(ctx context.Context, entries []*moduleEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		id := e.desc.ID()
		r.logger.Warn("Rolling back module start", "module", id)
		if e.activator != nil {
			if err := safeStop(ctx, e.activator); err != nil {
				r.logger.Error("Error stopping module during rollback", "module", id, "error", err)
			}
		}
		if e.loader != nil {
			e.loader.discard()
			e.loader = nil
		}
		if err := e.machine.To(lifecycle.StateResolved); err != nil {
			r.logger.Error("Invalid rollback transition", "module", id, "error", err)
		}
		r.removeStarted(id)
	}
	r.publish()
}

// StopAll stops every started module in reverse start order. A failing stop
// hook is logged and reported; the module is stopped anyway and the
// remaining modules still get stopped. The hook errors are returned joined.
func (r *ModuleRegistry) StopAll(ctx context.Context) error {
	r.control.Lock()
	defer r.control.Unlock()
	return r.stopAll(ctx)
}

func (r *ModuleRegistry) stopAll(ctx context.Context) error {
	order := slices.Clone(r.started)
	slices.Reverse(order)

	var errs []error
	for _, id := range order {
		if err := r.stop(ctx, r.entries[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops a single module. It fails with ErrModuleInUse while a started
// module depends on it.
func (r *ModuleRegistry) Stop(ctx context.Context, id string) error {
	r.control.Lock()
	defer r.control.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if e.machine.State() != lifecycle.StateStarted {
		return fmt.Errorf("%w: %s", ErrModuleNotStarted, id)
	}
	for _, other := range r.started {
		if other == id {
			continue
		}
		for _, dep := range r.entries[other].loader.Dependencies() {
			if dep.ID() == id {
				return fmt.Errorf("%w: %s is used by %s", ErrModuleInUse, id, other)
			}
		}
	}
	return r.stop(ctx, e)
}

func (r *ModuleRegistry) stop(ctx context.Context, e *moduleEntry) error {
	id := e.desc.ID()
	r.logger.Info("Stopping module", "module", id)

	var hookErr error
	if e.activator != nil {
		if err := safeStop(ctx, e.activator); err != nil {
			r.logger.Error("Error stopping module", "module", id, "error", err)
			r.events.emitModule(ctx, EventTypeModuleFailed, id, map[string]any{
				"phase": "stop",
				"error": err.Error(),
			})
			hookErr = fmt.Errorf("module %s: %w", id, err)
		}
	}

	if e.loader != nil {
		e.loader.discard()
		e.loader = nil
	}
	if err := e.pkg.Close(); err != nil {
		r.logger.Warn("Failed to release module package", "module", id, "error", err)
	}
	if err := e.machine.To(lifecycle.StateStopped); err != nil {
		r.logger.Error("Invalid stop transition", "module", id, "error", err)
	}
	r.removeStarted(id)
	r.publish()

	r.events.emitModule(ctx, EventTypeModuleStopped, id, nil)
	return hookErr
}

func (r *ModuleRegistry) removeStarted(id string) {
	r.started = slices.DeleteFunc(r.started, func(s string) bool { return s == id })
}

// Reset stops every started module, releases all packages and forgets every
// registration.
func (r *ModuleRegistry) Reset(ctx context.Context) error {
	r.control.Lock()
	defer r.control.Unlock()

	err := r.stopAll(ctx)
	for _, id := range r.registered {
		e := r.entries[id]
		if cerr := e.pkg.Close(); cerr != nil {
			r.logger.Warn("Failed to release module package", "module", id, "error", cerr)
		}
		e.machine.Reset()
	}
	r.entries = make(map[string]*moduleEntry)
	r.registered = nil
	r.started = nil
	r.publish()
	return err
}

// publish must be called with the control lock held.
func (r *ModuleRegistry) publish() {
	snap := &registrySnapshot{
		entries: make(map[string]*moduleEntry, len(r.entries)),
		loaders: make(map[string]*ModuleClassLoader, len(r.started)),
		ids:     slices.Clone(r.registered),
		started: slices.Clone(r.started),
	}
	for id, e := range r.entries {
		snap.entries[id] = e
	}
	for _, id := range r.started {
		snap.loaders[id] = r.entries[id].loader
	}
	r.snapshot.Store(snap)
}

// Get returns the class loader of a started module.
func (r *ModuleRegistry) Get(id string) (*ModuleClassLoader, bool) {
	l, ok := r.snapshot.Load().loaders[id]
	return l, ok
}

// State returns a module's lifecycle state. Unknown ids report
// StateUnloaded.
func (r *ModuleRegistry) State(id string) lifecycle.State {
	e, ok := r.snapshot.Load().entries[id]
	if !ok {
		return lifecycle.StateUnloaded
	}
	return e.machine.State()
}

// History returns the recorded state transitions of a module.
func (r *ModuleRegistry) History(id string) []lifecycle.Transition {
	e, ok := r.snapshot.Load().entries[id]
	if !ok {
		return nil
	}
	return e.machine.History()
}

// Descriptor returns the descriptor of a registered module.
func (r *ModuleRegistry) Descriptor(id string) (*ModuleDescriptor, bool) {
	e, ok := r.snapshot.Load().entries[id]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// Modules lists every registered module in registration order.
func (r *ModuleRegistry) Modules() []ModuleStatus {
	snap := r.snapshot.Load()
	out := make([]ModuleStatus, 0, len(snap.ids))
	for _, id := range snap.ids {
		e := snap.entries[id]
		out = append(out, ModuleStatus{
			ID:      id,
			Version: e.desc.Version().String(),
			State:   e.machine.State(),
			Source:  e.pkg.Source(),
		})
	}
	return out
}

// StartOrder returns the ids of the started modules in the order they
// started.
func (r *ModuleRegistry) StartOrder() []string {
	return slices.Clone(r.snapshot.Load().started)
}

// Loaders returns the class loaders of started modules in start order.
func (r *ModuleRegistry) Loaders() []*ModuleClassLoader {
	snap := r.snapshot.Load()
	out := make([]*ModuleClassLoader, 0, len(snap.started))
	for _, id := range snap.started {
		out = append(out, snap.loaders[id])
	}
	return out
}
