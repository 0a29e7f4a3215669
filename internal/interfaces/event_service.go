package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventTaskUpdate carries a *models.TaskRecord snapshot after every
	// committed task mutation
	EventTaskUpdate EventType = "task_update"

	// EventNotification carries operator-facing notices (stalled documents,
	// forwarded warnings)
	EventNotification EventType = "notification"

	// EventDrawingDeleted signals that a document and its tasks were removed
	EventDrawingDeleted EventType = "drawing_deleted"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete.
	// The progress broadcaster relies on this for per-task ordering.
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
