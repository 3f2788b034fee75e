// Package eventbus carries call events, provider commands and lifecycle notifications
// between the engine, the telephony dispatcher and the stats aggregator.
package eventbus

import (
	"context"

	"github.com/dukex/callflow/pkg/events"
)

// Event is anything routed by its type to a topic.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes events. key orders delivery: call events and commands use the
// call id, flow events use the flow id.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber registers one handler per event type. Handlers run after Subscribe and
// receive a pointer to the decoded event; a returned error nacks the message.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
