package modloader

import (
	"context"
	"slices"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer is notified of module and runtime lifecycle events.
type Observer interface {
	// OnEvent is called for every event the observer subscribed to.
	// It may be called from several goroutines and should return quickly.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration tracking.
	ObserverID() string
}

// Subject is implemented by components that emit lifecycle events.
type Subject interface {
	// RegisterObserver subscribes an observer. With no eventTypes the
	// observer receives every event.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Unknown observers are ignored.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers an event to the interested observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers describes the registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event types emitted by the registry and runtime, in reverse domain notation.
const (
	EventTypeModuleRegistered = "com.modloader.module.registered"
	EventTypeModuleResolved   = "com.modloader.module.resolved"
	EventTypeModuleStarted    = "com.modloader.module.started"
	EventTypeModuleStopped    = "com.modloader.module.stopped"
	EventTypeModuleFailed     = "com.modloader.module.failed"

	EventTypePackageFailed = "com.modloader.package.failed"

	EventTypeRuntimeStarted  = "com.modloader.runtime.started"
	EventTypeRuntimeStopped  = "com.modloader.runtime.stopped"
	EventTypeRuntimeReloaded = "com.modloader.runtime.reloaded"
	EventTypeRuntimeFailed   = "com.modloader.runtime.failed"
)

// FunctionalObserver adapts a function to Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that calls handler for each event.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent calls the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID returns the observer id.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
	order        int
}

// EventBus is the Subject shared by a runtime and its registry. Events are
// delivered synchronously, in registration order; observer errors and panics
// are logged and never reach the emitter.
type EventBus struct {
	mu        sync.RWMutex
	observers map[string]*observerRegistration
	next      int
	logger    Logger
}

// NewEventBus creates an event bus.
func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = NopLogger()
	}
	return &EventBus{
		observers: make(map[string]*observerRegistration),
		logger:    logger,
	}
}

// RegisterObserver subscribes an observer, replacing one with the same id.
func (b *EventBus) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrNilObserver
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	b.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   types,
		registeredAt: time.Now(),
		order:        b.next,
	}
	b.next++
	b.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer.
func (b *EventBus) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrNilObserver
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.observers[observer.ObserverID()]; exists {
		delete(b.observers, observer.ObserverID())
		b.logger.Debug("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

// NotifyObservers validates the event and delivers it.
func (b *EventBus) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		b.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	for _, reg := range b.interested(event.Type()) {
		b.deliver(ctx, reg, event)
	}
	return nil
}

func (b *EventBus) interested(eventType string) []*observerRegistration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	regs := make([]*observerRegistration, 0, len(b.observers))
	for _, reg := range b.observers {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[eventType] {
			continue
		}
		regs = append(regs, reg)
	}
	sortRegistrations(regs)
	return regs
}

func (b *EventBus) deliver(ctx context.Context, reg *observerRegistration, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Observer panicked", "observerID", reg.observer.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := reg.observer.OnEvent(ctx, event); err != nil {
		b.logger.Error("Observer error", "observerID", reg.observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

// GetObservers describes the registered observers in registration order.
func (b *EventBus) GetObservers() []ObserverInfo {
	b.mu.RLock()
	regs := make([]*observerRegistration, 0, len(b.observers))
	for _, reg := range b.observers {
		regs = append(regs, reg)
	}
	b.mu.RUnlock()
	sortRegistrations(regs)

	info := make([]ObserverInfo, 0, len(regs))
	for _, reg := range regs {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		info = append(info, ObserverInfo{
			ID:           reg.observer.ObserverID(),
			EventTypes:   types,
			RegisteredAt: reg.registeredAt,
		})
	}
	return info
}

func (b *EventBus) emitModule(ctx context.Context, eventType, moduleID string, data map[string]any) {
	if b == nil {
		return
	}
	b.emit(ctx, NewModuleEvent(eventType, moduleID, data))
}

func (b *EventBus) emitRuntime(ctx context.Context, eventType string, data map[string]any) {
	if b == nil {
		return
	}
	b.emit(ctx, NewRuntimeEvent(eventType, data))
}

// emit delivers an event built by this package, logging failures.
func (b *EventBus) emit(ctx context.Context, event CloudEvent) {
	if err := b.NotifyObservers(ctx, event); err != nil {
		b.logger.Error("Failed to notify observers", "event", event.Type(), "error", err)
	}
}

func sortRegistrations(regs []*observerRegistration) {
	slices.SortFunc(regs, func(a, b *observerRegistration) int { return a.order - b.order })
}
