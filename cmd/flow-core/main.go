// Package main runs the flow core: the HTTP API together with the timeout and retention sweeps.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowcore/pkg/cmd"
	"github.com/dukex/flowcore/pkg/log"
	"github.com/dukex/flowcore/pkg/otelhelper"
	"github.com/dukex/flowcore/pkg/periodic"
	"github.com/dukex/flowcore/pkg/timeouts"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const defaultPort = 9091

func commonFlags() []cli.Flag {
	return []cli.Flag{
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
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the API and the periodic sweeps",
		Flags: append(commonFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://..., memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for cross-process wake-ups; in-process when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.DurationFlag{
				Name:      "activity-timeout-interval",
				Usage:     "Interval of the activity timeout sweep",
				Value:     timeouts.ActivityInterval,
				Validator: cmd.PositiveDuration,
			},
			&cli.DurationFlag{
				Name:      "decider-timeout-interval",
				Usage:     "Interval of the decider claim timeout sweep",
				Value:     timeouts.DeciderInterval,
				Validator: cmd.PositiveDuration,
			},
			&cli.DurationFlag{
				Name:      "retention-interval",
				Usage:     "Interval of the finished execution purge",
				Value:     timeouts.RetentionInterval,
				Validator: cmd.PositiveDuration,
			},
			&cli.DurationFlag{
				Name:      "retention-window",
				Usage:     "How long finished executions are kept",
				Value:     timeouts.RetentionWindow,
				Validator: cmd.PositiveDuration,
			},
			&cli.DurationFlag{
				Name:      "scheduler-tick",
				Usage:     "Tick of the periodic job scheduler",
				Value:     periodic.DefaultTick,
				Validator: cmd.PositiveDuration,
			},
		),
		Action: run,
	}
}

func run(ctx context.Context, command *cli.Command) error {
	logger := log.WithModule(log.New(command.String("log-level"), command.String("log-format")), "flow-core")

	logger.InfoContext(ctx, "Initializing flow core")

	tracer, shutdownTracer, err := otelhelper.Tracer(ctx, "flow-core", command.Bool("otel-enabled"))
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

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "flow-core", logger)
	if err != nil {
		return err
	}

	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	notifier, err := cmd.NewNotifier(ctx, logger, command.String("redis-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := notifier.Close()
		if err != nil {
			logger.Error("Failed to close notifier", "error", err)
		}
	}()

	checker := timeouts.New(store, log.WithModule(logger, "timeouts"),
		timeouts.WithPublisher(eventBus),
		timeouts.WithNotifier(notifier),
		timeouts.WithTracer(tracer),
		timeouts.WithRetention(command.Duration("retention-window")),
	)

	jobs := periodic.New(logger,
		periodic.WithTracer(tracer),
		periodic.WithTick(command.Duration("scheduler-tick")),
	)
	err = registerSweeps(jobs, checker, sweepIntervals{
		activity:  command.Duration("activity-timeout-interval"),
		decider:   command.Duration("decider-timeout-interval"),
		retention: command.Duration("retention-interval"),
	}, logger)
	if err != nil {
		return err
	}

	api := NewAPI(log.WithModule(logger, "api"), store, eventBus, notifier, tracer)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return jobs.Run(ctx)
	})
	group.Go(func() error {
		return api.Start(ctx, int(command.Int("port")))
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Log the lifecycle event stream",
		Flags: commonFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule(log.New(command.String("log-level"), command.String("log-format")), "watch")

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "flow-core-watch", logger)
			if err != nil {
				return err
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			return watch(ctx, eventBus, logger)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := runCommand()

	command := &cli.Command{
		Name:                  "flow-core",
		Usage:                 "Serve the workflow API and run the timeout sweeps",
		EnableShellCompletion: true,
		Flags:                 run.Flags,
		Action:                run.Action,
		Commands: []*cli.Command{
			run,
			watchCommand(),
		},
	}

	err := command.Run(ctx, os.Args)
	if err != nil {
		log.New("error", "text").Error("flow-core failed", "error", err)
		os.Exit(1)
	}
}
