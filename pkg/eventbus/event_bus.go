// Package eventbus carries lifecycle events between the engine, automation rules and notification delivery.
package eventbus

import (
	"context"

	"github.com/dukex/contractflow/pkg/events"
)

// Event is anything published on the bus. The type selects the handlers and
// the concrete struct used to decode the payload on delivery.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes events partitioned by key, usually the workflow instance ID.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber routes delivered events to registered handlers. Handlers
// must be registered before Subscribe starts delivery.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event struct. Returning an
// error leaves the message unacknowledged.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

var _ EventBus = (*WatermillEventBus)(nil)
