package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowcore/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultRetryInterval = 5 * time.Second

	reportTimeout = 10 * time.Second
)

// Handler performs the activities of one task list. It answers the task itself, through the
// Task helpers; a returned error is reported as a task failure.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

type HandlerFunc func(ctx context.Context, task *Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// NotificationHandler is implemented by handlers that consume updater notifications.
// Notifications are never answered.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, task *Task) error
}

// Runner polls one task list and dispatches every task to its handler on its own goroutine.
type Runner struct {
	engine   Capability
	handler  Handler
	taskList string
	workerID string
	logger   *slog.Logger
	tracer   trace.Tracer

	pollInterval  time.Duration
	retryInterval time.Duration

	wg sync.WaitGroup
}

type RunnerOption func(*Runner)

func WithPollInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		r.pollInterval = interval
	}
}

func WithRetryInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		r.retryInterval = interval
	}
}

func WithTracer(tracer trace.Tracer) RunnerOption {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

func NewRunner(engine Capability, handler Handler, taskList, workerID string, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		engine:        engine,
		handler:       handler,
		taskList:      taskList,
		workerID:      workerID,
		logger:        logger.With("task_list", taskList, "worker_id", workerID),
		tracer:        otelhelper.NoopTracer(),
		pollInterval:  DefaultPollInterval,
		retryInterval: DefaultRetryInterval,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run polls until ctx is cancelled and then waits for the tasks in flight.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "worker started")

	for ctx.Err() == nil {
		dispatched, err := r.Step(ctx)

		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.ErrorContext(ctx, "error polling for work", "error", err)
			sleep(ctx, r.retryInterval)
		case !dispatched:
			sleep(ctx, r.pollInterval)
		}
	}

	r.wg.Wait()
	r.logger.Info("worker stopped")

	return nil
}

// Step polls once and dispatches the task it got. Notifications are handled before Step
// returns; activity tasks run in the background.
func (r *Runner) Step(ctx context.Context) (bool, error) {
	activity, err := r.engine.Poll(ctx, r.taskList, r.workerID)
	if err != nil || activity == nil {
		return false, err
	}

	task := NewTask(activity, r.engine)

	if task.IsNotification() {
		r.notification(ctx, task)

		return true, nil
	}

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.process(ctx, task)
	}()

	return true, nil
}

// Wait blocks until the dispatched tasks have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) notification(ctx context.Context, task *Task) {
	handler, ok := r.handler.(NotificationHandler)
	if !ok {
		r.logger.InfoContext(ctx, "notification ignored",
			"execution_id", task.ExecutionID, "type", task.Input("type").String())

		return
	}

	err := r.call(ctx, task, handler.HandleNotification)
	if err != nil {
		r.logger.ErrorContext(ctx, "notification handler failed", "execution_id", task.ExecutionID, "error", err)
	}
}

func (r *Runner) process(ctx context.Context, task *Task) {
	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "worker.task",
		attribute.String(otelhelper.ExecutionIDKey, task.ExecutionID),
		attribute.String(otelhelper.TaskTokenKey, task.TaskToken),
		attribute.String(otelhelper.ActivityKey, task.ActivityName))
	defer span.End()

	logger := r.logger.With("task_token", task.TaskToken, "execution_id", task.ExecutionID, "activity", task.ActivityName)
	logger.InfoContext(ctx, "starting activity", "activity_id", task.ActivityID)

	err := r.call(ctx, task, r.handler.Handle)

	switch {
	case err == nil:
		return
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// left for the timeout sweep
		logger.WarnContext(ctx, "activity abandoned on shutdown")

		return
	}

	otelhelper.SetError(span, err)
	logger.ErrorContext(ctx, "activity failed", "error", err)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	err = task.Failure(reportCtx, err.Error(), nil)
	if err != nil {
		logger.ErrorContext(ctx, "failed to report activity failure", "error", err)
	}
}

func (r *Runner) call(ctx context.Context, task *Task, fn func(context.Context, *Task) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, recovered)
		}
	}()

	return fn(ctx, task)
}

var ErrPanic = errors.New("activity panicked")

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
