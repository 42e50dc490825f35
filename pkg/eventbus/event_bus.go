// Package eventbus carries execution lifecycle events from the engine to
// whatever the host wires up: a kafka topic in production, an in-process
// channel in tests and the local runner.
package eventbus

import (
	"context"

	"github.com/promptforge/chainforge/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

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
