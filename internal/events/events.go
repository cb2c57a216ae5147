// Package events decouples the processing core from whatever presents its
// outcomes. The core emits plain events; UI or notification adapters
// subscribe with callback registration instead of framework signal objects.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the processing core.
const (
	// TypeItemCompleted fires when a queue item finishes successfully.
	TypeItemCompleted = "item_completed"

	// TypeItemFailed fires when a queue item exhausts its retries and is
	// left failed terminal.
	TypeItemFailed = "item_failed"

	// TypeBreakerOpened fires when the circuit breaker trips open.
	TypeBreakerOpened = "breaker_opened"

	// TypeBreakerRecovered fires when the circuit closes again after an
	// outage.
	TypeBreakerRecovered = "breaker_recovered"

	// TypeResourceAlert fires when a resource threshold is breached.
	TypeResourceAlert = "resource_alert"
)

// Event is a notification from the processing core. Payload contains
// event-specific data serialized as JSON so subscribers stay decoupled from
// core types.
type Event struct {
	// ID is a unique identifier for this event.
	ID uuid.UUID `json:"id"`

	// Type is one of the Type* constants.
	Type string `json:"type"`

	// Payload contains the event-specific data serialized as JSON.
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is the timestamp when the event was created.
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewEvent creates a new Event with the specified type and payload.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payloadBytes,
		CreatedAt: time.Now(),
	}, nil
}

// Handler defines an interface for components that can handle events.
type Handler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Emitter defines an interface for components that can emit events.
// This allows the core to publish events without direct knowledge of
// subscribers.
type Emitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *Event) error
}
