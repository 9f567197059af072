package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/flowcore/pkg/eventbus"
	"github.com/dukex/flowcore/pkg/notify"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/services"
	"github.com/dukex/flowcore/pkg/tasks"
	"github.com/dukex/flowcore/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	notifier    notify.Notifier
	tracer      trace.Tracer
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	notifier notify.Notifier,
	tracer trace.Tracer,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		notifier:    notifier,
		tracer:      tracer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	executions := services.NewExecutions(a.persistence, a.logger,
		services.WithPublisher(a.eventBus),
		services.WithNotifier(a.notifier),
		services.WithTracer(a.tracer),
	)
	definitions := services.NewDefinitions(a.persistence, a.logger)
	taskLists := services.NewTaskLists(a.persistence)
	scheduler := tasks.NewScheduler(a.persistence, a.logger,
		tasks.WithNotifier(a.notifier),
		tasks.WithTracer(a.tracer),
	)

	handlers := web.NewAPIHandlers(executions, definitions, taskLists, scheduler, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flow core")
	})

	app.Post("/executionstate", handlers.SetExecutionState)
	app.Get("/history", handlers.GetHistory)
	app.Get("/variables", handlers.GetVariables)

	e := app.Group("/executions")
	e.Get("/", handlers.ListExecutions)
	e.Post("/", handlers.StartExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/signal", handlers.SignalExecution)

	// poll is registered ahead of the token routes
	t := app.Group("/tasks")
	t.Get("/poll", handlers.PollTask)
	t.Get("/", handlers.ListTasks)
	t.Get("/:token", handlers.GetTask)
	t.Post("/:token", handlers.RespondTask)
	app.Get("/tasklists", handlers.ListTaskLists)

	w := app.Group("/workflows")
	w.Get("/", handlers.ListWorkflows)
	w.Put("/", handlers.PutWorkflow)
	w.Get("/:name", handlers.ListWorkflowVersions)
	w.Delete("/:name", handlers.DeleteWorkflow)
	w.Get("/:name/versions/:version", handlers.GetWorkflow)
	w.Delete("/:name/versions/:version", handlers.DeleteWorkflow)

	act := app.Group("/activities")
	act.Get("/", handlers.ListActivities)
	act.Get("/:name", handlers.ListActivityVersions)
	act.Get("/:name/versions/:version", handlers.GetActivity)
	act.Put("/:name/versions/:version", handlers.PutActivity)

	app.Get("/workflowconfig", handlers.GetWorkflowConfig)
	app.Put("/workflowconfig", handlers.PutWorkflowConfig)

	app.Get("/health", handlers.HealthCheck)

	return app
}

// Start serves the API until ctx is cancelled.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		err := app.Shutdown()
		if err != nil {
			a.logger.Error("Failed to shut down API server", "error", err)
		}
	}()

	return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}
