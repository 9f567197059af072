// Package main runs decider loops against one decision list.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowcore/pkg/cmd"
	"github.com/dukex/flowcore/pkg/decider"
	"github.com/dukex/flowcore/pkg/log"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/otelhelper"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := &cli.Command{
		Name:                  "flow-decider",
		Usage:                 "Advance workflow executions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://..., memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "decision-list",
				Usage:   "Decision list to serve",
				Value:   models.DefaultDecisionList,
				Sources: cli.EnvVars("DECISION_LIST"),
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Number of decider loops",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:      "lease",
				Usage:     "How long a claimed execution stays reserved for its decider",
				Value:     decider.DefaultLease,
				Validator: cmd.PositiveDuration,
			},
			&cli.DurationFlag{
				Name:      "idle-wait",
				Usage:     "How long an idle loop waits before polling again",
				Value:     decider.DefaultIdleWait,
				Validator: cmd.PositiveDuration,
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for cross-process wake-ups; timed polling when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: run,
	}

	err := command.Run(ctx, os.Args)
	if err != nil {
		log.New("error", "text").Error("flow-decider failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	logger := log.WithModule(log.New(command.String("log-level"), command.String("log-format")), "decider")
	decisionList := command.String("decision-list")

	concurrency := int(command.Int("concurrency"))
	if concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", concurrency)
	}

	logger.InfoContext(ctx, "Initializing flow decider", "decision_list", decisionList, "concurrency", concurrency)

	tracer, shutdownTracer, err := otelhelper.Tracer(ctx, "flow-decider", command.Bool("otel-enabled"))
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	defer func() {
		err := shutdownTracer(context.Background())
		if err != nil {
			logger.Error("Failed to shutdown tracer provider", "error", err)
		}
	}()

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := store.Close(context.Background())
		if err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "flow-decider", logger)
	if err != nil {
		return err
	}

	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	opts := []decider.Option{
		decider.WithPublisher(eventBus),
		decider.WithTracer(tracer),
		decider.WithLease(command.Duration("lease")),
		decider.WithIdleWait(command.Duration("idle-wait")),
	}

	if url := command.String("redis-url"); url != "" {
		notifier, err := cmd.NewNotifier(ctx, logger, url)
		if err != nil {
			return err
		}

		defer func() {
			err := notifier.Close()
			if err != nil {
				logger.Error("Failed to close notifier", "error", err)
			}
		}()

		opts = append(opts, decider.WithNotifier(notifier))
	}

	group, ctx := errgroup.WithContext(ctx)

	for i := range concurrency {
		loop := decider.New(store, logger.With("loop", i), decisionList, opts...)

		group.Go(func() error {
			return loop.Run(ctx)
		})
	}

	return group.Wait()
}
