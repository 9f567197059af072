// Package main runs activity workers against a flow core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowcore/pkg/cmd"
	"github.com/dukex/flowcore/pkg/log"
	"github.com/dukex/flowcore/pkg/otelhelper"
	"github.com/dukex/flowcore/pkg/worker"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := &cli.Command{
		Name:                  "flow-worker",
		Usage:                 "Run activity workers",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "flow-url",
				Usage:   "Base URL of the flow core API",
				Value:   "http://localhost:9091",
				Sources: cli.EnvVars("FLOW_URL"),
			},
			&cli.StringSliceFlag{
				Name:  "handler",
				Usage: "Handlers to run as name or name=list (delay, wait, updater, http)",
				Value: []string{"delay", "wait", "updater"},
			},
			&cli.StringFlag{
				Name:    "task-list",
				Usage:   "Task list for handlers that do not name one",
				Sources: cli.EnvVars("TASK_LIST"),
			},
			&cli.DurationFlag{
				Name:      "poll-interval",
				Usage:     "Wait between polls of an empty task list",
				Value:     worker.DefaultPollInterval,
				Validator: cmd.PositiveDuration,
			},
			&cli.DurationFlag{
				Name:  "long-poll",
				Usage: "Ask the core to hold polls open this long",
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
		log.New("error", "text").Error("flow-worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule(log.New(command.String("log-level"), command.String("log-format")), "flow-worker")

	specs, err := parseHandlers(command.StringSlice("handler"), command.String("task-list"), logger)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Initializing flow worker", "worker_id", workerID, "flow_url", command.String("flow-url"))

	tracer, shutdownTracer, err := otelhelper.Tracer(ctx, "flow-worker", command.Bool("otel-enabled"))
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	defer func() {
		err := shutdownTracer(context.Background())
		if err != nil {
			logger.Error("Failed to shutdown tracer provider", "error", err)
		}
	}()

	client := worker.NewClient(command.String("flow-url"), worker.WithLongPoll(command.Duration("long-poll")))

	group, ctx := errgroup.WithContext(ctx)

	for _, spec := range specs {
		runner := worker.NewRunner(client, spec.handler, spec.taskList, workerID,
			log.WithModule(logger, spec.name),
			worker.WithPollInterval(command.Duration("poll-interval")),
			worker.WithTracer(tracer),
		)

		group.Go(func() error {
			return runner.Run(ctx)
		})
	}

	return group.Wait()
}
