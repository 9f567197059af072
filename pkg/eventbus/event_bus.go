// Package eventbus publishes and consumes lifecycle events over watermill.
package eventbus

import (
	"context"
	"log/slog"

	"github.com/dukex/flowcore/pkg/events"
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

// Notify publishes best-effort: failures are logged and never returned. A nil publisher is a no-op.
func Notify(ctx context.Context, logger *slog.Logger, publisher EventPublisher, key string, event Event) {
	if publisher == nil {
		return
	}

	err := publisher.Publish(ctx, key, event)
	if err != nil {
		logger.ErrorContext(ctx, "failed to publish event",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}
