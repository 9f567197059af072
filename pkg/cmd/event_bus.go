// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/flowcore/pkg/channels/gochannel"
	"github.com/dukex/flowcore/pkg/channels/kafka"
	"github.com/dukex/flowcore/pkg/eventbus"
	"github.com/dukex/flowcore/pkg/notify"
)

// NewEventBus builds the lifecycle event bus. provider is "kafka" or "gochannel"; the latter
// only reaches subscribers inside the same process.
func NewEventBus(provider, brokers, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.Brokers(brokers), serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}
}

// NewNotifier returns a Redis notifier when redisURL is set, otherwise an in-process one.
func NewNotifier(ctx context.Context, logger *slog.Logger, redisURL string) (notify.Notifier, error) {
	if redisURL == "" {
		return notify.NewLocal(), nil
	}

	notifier, err := notify.NewRedis(ctx, logger, redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect notifier: %w", err)
	}

	return notifier, nil
}
