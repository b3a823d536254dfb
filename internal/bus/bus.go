// Package bus carries the engine's lifecycle events between the control
// surface, the scheduler and the orchestrator. Delivery is at least once
// and unordered; every handler must be idempotent.
package bus

import "context"

// Event is a single lifecycle notification. Data holds the typed payload
// for the event (see pkg/schema event constants).
type Event struct {
	Type        string
	ExecutionID string
	Data        any
}

// Handler processes one event. Handlers run concurrently and may be
// invoked more than once for the same logical event.
type Handler func(ctx context.Context, evt Event) error

// Bus publishes events to subscribed handlers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(eventType string, h Handler)
}
