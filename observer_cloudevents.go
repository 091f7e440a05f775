package modloader

import (
	"fmt"
	"maps"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is the envelope every lifecycle notification travels in.
type CloudEvent = cloudevents.Event

// Event sources. Module events come from the registry and carry the module
// id as their subject; runtime events come from the runtime.
const (
	EventSourceRegistry = "modloader/registry"
	EventSourceRuntime  = "modloader/runtime"
)

// NewModuleEvent builds an event about one module. The id is set both as
// the event subject and as the "moduleId" field of the JSON payload.
func NewModuleEvent(eventType, moduleID string, data map[string]any) CloudEvent {
	payload := make(map[string]any, len(data)+1)
	maps.Copy(payload, data)
	payload["moduleId"] = moduleID

	event := NewCloudEvent(eventType, EventSourceRegistry, payload, nil)
	event.SetSubject(moduleID)
	return event
}

// NewRuntimeEvent builds an event about the runtime as a whole.
func NewRuntimeEvent(eventType string, data map[string]any) CloudEvent {
	var payload any
	if data != nil {
		payload = data
	}
	return NewCloudEvent(eventType, EventSourceRuntime, payload, nil)
}

// NewCloudEvent builds an event from any source. Extensions are copied onto
// the event as CloudEvents extension attributes.
func NewCloudEvent(eventType, source string, data any, extensions map[string]any) CloudEvent {
	event := cloudevents.NewEvent(cloudevents.VersionV1)
	event.SetID(newEventID())
	event.SetType(eventType)
	event.SetSource(source)
	event.SetTime(time.Now())

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for name, value := range extensions {
		event.SetExtension(name, value)
	}
	return event
}

// EventModuleID returns the module an event is about, or "" for runtime
// events.
func EventModuleID(event CloudEvent) string {
	if event.Source() != EventSourceRegistry {
		return ""
	}
	return event.Subject()
}

// newEventID returns a time-ordered UUIDv7, falling back to a random UUID.
func newEventID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// ValidateCloudEvent checks the required CloudEvents attributes.
func ValidateCloudEvent(event CloudEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}
