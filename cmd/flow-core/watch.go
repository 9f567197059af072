package main

import (
	"context"
	"log/slog"

	"github.com/dukex/flowcore/pkg/eventbus"
	"github.com/dukex/flowcore/pkg/events"
)

var watchedEvents = []events.EventType{
	events.ExecutionStartedEvent,
	events.ExecutionCompletedEvent,
	events.ExecutionFailedEvent,
	events.ExecutionStoppedEvent,
	events.ExecutionStateChangedEvent,
	events.TaskScheduledEvent,
	events.TaskTimedOutEvent,
}

// watch logs every lifecycle event until ctx is cancelled.
func watch(ctx context.Context, bus eventbus.EventSubscriber, logger *slog.Logger) error {
	for _, eventType := range watchedEvents {
		err := bus.Handle(eventType, func(ctx context.Context, event any) error {
			logger.InfoContext(ctx, "lifecycle event", "event_type", eventType, "event", event)

			return nil
		})
		if err != nil {
			return err
		}
	}

	err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()

	return nil
}
