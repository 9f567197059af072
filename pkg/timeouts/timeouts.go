// Package timeouts reclaims abandoned work: expired task claims, expired decider claims and
// executions past their retention window. Every row is updated in its own transaction so one
// failure never aborts the rest of a sweep.
package timeouts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowcore/pkg/eventbus"
	"github.com/dukex/flowcore/pkg/events"
	"github.com/dukex/flowcore/pkg/history"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/notify"
	"github.com/dukex/flowcore/pkg/otelhelper"
	"github.com/dukex/flowcore/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	ActivityInterval  = 60 * time.Second
	DeciderInterval   = 30 * time.Second
	RetentionInterval = time.Hour
	RetentionWindow   = 4 * time.Hour
)

type Checker struct {
	store     persistence.Persistence
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	notifier  notify.Notifier
	tracer    trace.Tracer
	now       func() time.Time
	retention time.Duration
}

type Option func(*Checker)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(c *Checker) {
		c.publisher = publisher
	}
}

func WithNotifier(notifier notify.Notifier) Option {
	return func(c *Checker) {
		c.notifier = notifier
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Checker) {
		c.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// WithRetention sets how long a finished execution is kept.
func WithRetention(window time.Duration) Option {
	return func(c *Checker) {
		c.retention = window
	}
}

func New(store persistence.Persistence, logger *slog.Logger, opts ...Option) *Checker {
	c := &Checker{
		store:     store,
		logger:    logger,
		tracer:    otelhelper.NoopTracer(),
		now:       func() time.Time { return time.Now().UTC() },
		retention: RetentionWindow,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ExpireTasks times out every task whose heartbeat or task alarm has passed and returns how many
// were reclaimed. A task that changed since the sweep read it is left to its worker.
func (c *Checker) ExpireTasks(ctx context.Context) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "timeouts.tasks")
	defer span.End()

	now := c.now()

	expired, err := c.store.TaskRepository().Expired(ctx, now)
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("failed to list expired tasks: %w", err)
	}

	reclaimed := 0

	for _, task := range expired {
		if ctx.Err() != nil {
			break
		}

		decisionList, err := c.expireTask(ctx, task, now)

		switch {
		case persistence.IsConflict(err) || persistence.IsNotFound(err):
			c.logger.WarnContext(ctx, "task changed during timeout, skipping",
				"task_token", task.TaskToken, "execution_id", task.ExecutionID, "error", err)
		case err != nil:
			c.logger.ErrorContext(ctx, "failed to time out task",
				"task_token", task.TaskToken, "execution_id", task.ExecutionID, "error", err)
		default:
			reclaimed++

			heartbeatMissed := !task.TaskAlarm.Before(now)
			c.logger.InfoContext(ctx, "task timed out",
				"task_token", task.TaskToken, "execution_id", task.ExecutionID, "heartbeat_missed", heartbeatMissed)

			eventbus.Notify(ctx, c.logger, c.publisher, task.ExecutionID, events.TaskTimedOut{
				BaseEvent:       events.NewBase(events.TaskTimedOutEvent, task.ExecutionID, task.JobID),
				TaskToken:       task.TaskToken,
				HeartbeatMissed: heartbeatMissed,
			})
			c.wake(ctx, decisionList)
		}
	}

	span.SetAttributes(attribute.Int("flowcore.timeouts.reclaimed", reclaimed))

	return reclaimed, nil
}

func (c *Checker) expireTask(ctx context.Context, task *models.TaskListEntry, now time.Time) (string, error) {
	var decisionList string

	err := c.store.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		_, err := history.New(tx.HistoryRepository()).Append(ctx, task.ExecutionID, models.ActivityTaskTimedOut{
			SchedulingEventID: task.ScheduledEventID,
			HeartbeatMissed:   !task.TaskAlarm.Before(now),
		})
		if err != nil {
			return err
		}

		execution, err := tx.ExecutionRepository().GetByID(ctx, task.ExecutionID)
		if err != nil {
			return err
		}

		execution.AwaitingDecision = true

		err = tx.ExecutionRepository().Update(ctx, execution)
		if err != nil {
			return err
		}

		decisionList = execution.DecisionList

		return tx.TaskRepository().Delete(ctx, task)
	})

	return decisionList, err
}

// ExpireDeciderClaims hands executions whose decider lease has passed back to the decision list.
func (c *Checker) ExpireDeciderClaims(ctx context.Context) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "timeouts.deciders")
	defer span.End()

	expired, err := c.store.ExecutionRepository().ExpiredDeciderClaims(ctx, c.now())
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("failed to list expired decider claims: %w", err)
	}

	released := 0

	for _, execution := range expired {
		if ctx.Err() != nil {
			break
		}

		execution.DeciderToken = ""
		execution.DeciderAlarm = nil
		execution.AwaitingDecision = true

		err := c.store.ExecutionRepository().Update(ctx, execution)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to time out decider claim",
				"execution_id", execution.ExecutionID, "error", err)

			continue
		}

		released++

		c.logger.InfoContext(ctx, "decider claim timed out", "execution_id", execution.ExecutionID)
		c.wake(ctx, execution.DecisionList)
	}

	return released, nil
}

// PurgeFinished deletes executions whose terminal event is older than the retention window.
// Failures are logged and left for the next sweep.
func (c *Checker) PurgeFinished(ctx context.Context) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "timeouts.retention")
	defer span.End()

	finished, err := c.store.ExecutionRepository().FinishedBefore(ctx, c.now().Add(-c.retention))
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("failed to list finished executions: %w", err)
	}

	purged := 0

	for _, executionID := range finished {
		if ctx.Err() != nil {
			break
		}

		err := c.store.ExecutionRepository().Purge(ctx, executionID)
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to delete execution", "execution_id", executionID, "error", err)

			continue
		}

		purged++
	}

	if purged > 0 {
		c.logger.InfoContext(ctx, "deleted finished executions", "count", purged)
	}

	return purged, nil
}

func (c *Checker) wake(ctx context.Context, decisionList string) {
	if c.notifier == nil || decisionList == "" {
		return
	}

	err := c.notifier.Notify(ctx, notify.DecisionChannel(decisionList))
	if err != nil {
		c.logger.WarnContext(ctx, "failed to send wake-up", "decision_list", decisionList, "error", err)
	}
}
