// Package decider advances executions by interpreting their unseen history against the workflow
// graph and storing the resulting decisions.
package decider

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
	"github.com/dukex/flowcore/pkg/retry"
	"github.com/dukex/flowcore/pkg/tasks"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultLease    = 60 * time.Second
	DefaultIdleWait = 5 * time.Second

	retryLaterAttempts = 3
)

type Decider struct {
	store        persistence.Persistence
	logger       *slog.Logger
	decisionList string
	publisher    eventbus.EventPublisher
	notifier     notify.Notifier
	tracer       trace.Tracer
	now          func() time.Time
	lease        time.Duration
	idleWait     time.Duration
}

type Option func(*Decider)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(d *Decider) {
		d.publisher = publisher
	}
}

func WithNotifier(notifier notify.Notifier) Option {
	return func(d *Decider) {
		d.notifier = notifier
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Decider) {
		d.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Decider) {
		d.now = now
	}
}

// WithLease sets how long a claim is held before the decider timeout sweep may reclaim it.
func WithLease(lease time.Duration) Option {
	return func(d *Decider) {
		d.lease = lease
	}
}

// WithIdleWait sets how long Run sleeps when no execution needs a decision.
func WithIdleWait(wait time.Duration) Option {
	return func(d *Decider) {
		d.idleWait = wait
	}
}

func New(store persistence.Persistence, logger *slog.Logger, decisionList string, opts ...Option) *Decider {
	if decisionList == "" {
		decisionList = models.DefaultDecisionList
	}

	d := &Decider{
		store:        store,
		logger:       logger,
		decisionList: decisionList,
		tracer:       otelhelper.NoopTracer(),
		now:          func() time.Time { return time.Now().UTC() },
		lease:        DefaultLease,
		idleWait:     DefaultIdleWait,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Run decides executions until ctx is cancelled. Errors are logged and never end the loop.
func (d *Decider) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "decider loop started", "decision_list", d.decisionList)

	for ctx.Err() == nil {
		decided, err := d.Step(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "decider pass failed", "error", err)
		}

		if decided {
			continue
		}

		d.idle(ctx)
	}

	d.logger.InfoContext(ctx, "decider loop stopped", "decision_list", d.decisionList)

	return nil
}

func (d *Decider) idle(ctx context.Context) {
	if d.notifier != nil {
		_, err := d.notifier.Wait(ctx, notify.DecisionChannel(d.decisionList), d.idleWait)
		if err != nil && ctx.Err() == nil {
			d.logger.WarnContext(ctx, "wake-up wait failed", "error", err)
		}

		return
	}

	timer := time.NewTimer(d.idleWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Step claims one execution and decides it. It reports whether an execution was claimed.
func (d *Decider) Step(ctx context.Context) (bool, error) {
	execution, err := d.claim(ctx)
	if err != nil || execution == nil {
		return false, err
	}

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "decider.pass",
		attribute.String(otelhelper.ExecutionIDKey, execution.ExecutionID),
		attribute.String(otelhelper.WorkflowNameKey, execution.WorkflowName),
		attribute.String(otelhelper.DecisionListKey, d.decisionList))
	defer span.End()

	err = d.decide(ctx, execution)
	if err != nil {
		otelhelper.SetError(span, err)

		return true, fmt.Errorf("execution %s: %w", execution.ExecutionID, err)
	}

	return true, nil
}

// claim takes the least recently seen execution awaiting a decision. Conflicts with other
// deciders are retried without bound.
func (d *Decider) claim(ctx context.Context) (*models.Execution, error) {
	var claimed *models.Execution

	policy := retry.Policy{IsConflict: persistence.IsConflict, Strategy: retry.Recompute}

	_, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		claimed = nil

		execution, err := d.store.ExecutionRepository().NextAwaitingDecision(ctx, d.decisionList)
		if err != nil || execution == nil {
			return err
		}

		alarm := d.now().Add(d.lease)
		execution.AwaitingDecision = false
		execution.DeciderToken = uuid.NewString()
		execution.DeciderAlarm = &alarm

		err = d.store.ExecutionRepository().Update(ctx, execution)
		if err != nil {
			if persistence.IsConflict(err) {
				d.logger.DebugContext(ctx, "lost decider claim race",
					"execution_id", execution.ExecutionID, "attempt", attempt)
			}

			return err
		}

		claimed = execution

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	return claimed, nil
}

func (d *Decider) decide(ctx context.Context, execution *models.Execution) error {
	p, err := newPass(ctx, d.logger, d.store, execution)
	if persistence.IsNotFound(err) {
		p = stoppingPass(d.logger, d.store, execution, err)
	} else if err != nil {
		d.retryLater(ctx, execution.ExecutionID, nil)

		return err
	} else {
		err = p.run(ctx)
		if err != nil {
			d.retryLater(ctx, execution.ExecutionID, nil)

			return err
		}
	}

	if p.historySeen == 0 && p.state != models.StateStopped {
		d.logger.WarnContext(ctx, "execution flagged for a decision had no new history",
			"execution_id", execution.ExecutionID, "history_seen", execution.HistorySeen)
	}

	scheduled, err := d.storeDecisions(ctx, p)
	if err != nil {
		d.retryLater(ctx, execution.ExecutionID, nil)

		return err
	}

	err = d.release(ctx, p)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to release execution, flagging for retry",
			"execution_id", execution.ExecutionID, "error", err)
		d.retryLater(ctx, execution.ExecutionID, p)
	}

	d.announce(ctx, p, scheduled)

	return nil
}

type scheduledTask struct {
	entry        *models.TaskListEntry
	activityName string
}

// storeDecisions appends the decisions to history together with their task list entries,
// notifications and variable changes.
func (d *Decider) storeDecisions(ctx context.Context, p *pass) ([]scheduledTask, error) {
	var scheduled []scheduledTask

	err := d.store.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		scheduled = nil
		now := d.now()
		log := history.New(tx.HistoryRepository())
		execution := p.execution

		for _, decision := range p.decisions {
			stored, err := log.Append(ctx, execution.ExecutionID, decision)
			if err != nil {
				return err
			}

			switch decision := decision.(type) {
			case models.ActivityTaskScheduled:
				entry := tasks.NewEntry(execution, stored.ID, &decision, now)

				err = tx.TaskRepository().Create(ctx, entry)
				if err != nil {
					return fmt.Errorf("failed to create task: %w", err)
				}

				scheduled = append(scheduled, scheduledTask{entry: entry, activityName: decision.ActivityName})
			case models.WorkflowExecutionFailed:
				_, err = tasks.EnqueueNotification(ctx, tx, execution.ExecutionID, execution.JobID, tasks.FailureNotification{
					Type:        tasks.FailureNotificationType,
					ExecutionID: execution.ExecutionID,
					JobID:       execution.JobID,
					Reason:      decision.Reason,
				}, now)
				if err != nil {
					return err
				}
			}
		}

		if p.cancelTasks {
			err := tasks.CancelExecutionTasks(ctx, tx, execution.ExecutionID)
			if err != nil {
				return err
			}
		}

		for _, name := range sortedKeys(p.dirty) {
			err := tx.VariableRepository().Set(ctx, execution.ExecutionID, name, p.variables[name])
			if err != nil {
				return fmt.Errorf("failed to set variable %q: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store decisions: %w", err)
	}

	return scheduled, nil
}

// release advances HistorySeen, applies the pass's state change and clears the claim. On a
// conflict the pass's changes are re-applied once to the refreshed row: a concurrent stop wins
// and a concurrently raised AwaitingDecision is kept.
func (d *Decider) release(ctx context.Context, p *pass) error {
	execution := p.execution.Clone()

	policy := retry.Policy{
		MaxAttempts: 2,
		IsConflict:  persistence.IsConflict,
		Strategy:    retry.KeepMine,
		Refresh: func(ctx context.Context) error {
			latest, err := d.store.ExecutionRepository().GetByID(ctx, execution.ExecutionID)
			if err != nil {
				return err
			}

			d.logger.InfoContext(ctx, "refreshed execution after conflicting release",
				"execution_id", execution.ExecutionID, "state", latest.State,
				"awaiting_decision", latest.AwaitingDecision)

			execution = latest

			return nil
		},
	}

	_, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		p.advance(execution)

		execution.DeciderToken = ""
		execution.DeciderAlarm = nil
		execution.LastSeen = d.now()

		return d.store.ExecutionRepository().Update(ctx, execution)
	})

	return err
}

// advance carries the pass's progress onto execution: HistorySeen never moves backwards and a
// stored Stopped state is never overwritten.
func (p *pass) advance(execution *models.Execution) {
	if p.historySeen > execution.HistorySeen {
		execution.HistorySeen = p.historySeen
	}

	if execution.State != models.StateStopped && p.state != p.execution.State {
		execution.State = p.state
	}
}

// retryLater drops the claim and flags the execution so a later pass decides it again. When the
// decisions of stored were already committed, its progress is kept so the next pass starts after
// the events it handled.
func (d *Decider) retryLater(ctx context.Context, executionID string, stored *pass) {
	policy := retry.Policy{
		MaxAttempts: retryLaterAttempts,
		IsConflict:  persistence.IsConflict,
		Strategy:    retry.Recompute,
	}

	_, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		execution, err := d.store.ExecutionRepository().GetByID(ctx, executionID)
		if err != nil {
			return err
		}

		if stored != nil {
			stored.advance(execution)
		}

		execution.AwaitingDecision = true
		execution.DeciderToken = ""
		execution.DeciderAlarm = nil

		return d.store.ExecutionRepository().Update(ctx, execution)
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to flag execution for retry", "execution_id", executionID, "error", err)
	}
}

// announce publishes lifecycle events and wakes the task lists that received work.
func (d *Decider) announce(ctx context.Context, p *pass, scheduled []scheduledTask) {
	execution := p.execution
	wake := map[string]struct{}{}

	for _, decision := range p.decisions {
		var event eventbus.Event

		switch decision := decision.(type) {
		case models.WorkflowExecutionCompleted:
			event = events.ExecutionCompleted{
				BaseEvent: events.NewBase(events.ExecutionCompletedEvent, execution.ExecutionID, execution.JobID),
			}
		case models.WorkflowExecutionFailed:
			event = events.ExecutionFailed{
				BaseEvent: events.NewBase(events.ExecutionFailedEvent, execution.ExecutionID, execution.JobID),
				Reason:    decision.Reason,
			}
			wake[models.UpdaterTaskList] = struct{}{}
		case models.WorkflowStopped:
			event = events.ExecutionStopped{
				BaseEvent: events.NewBase(events.ExecutionStoppedEvent, execution.ExecutionID, execution.JobID),
			}
		default:
			continue
		}

		d.logger.InfoContext(ctx, "execution decided",
			"execution_id", execution.ExecutionID, "decision", decision.EventType())
		eventbus.Notify(ctx, d.logger, d.publisher, execution.ExecutionID, event)
	}

	for _, task := range scheduled {
		eventbus.Notify(ctx, d.logger, d.publisher, execution.ExecutionID, events.TaskScheduled{
			BaseEvent:        events.NewBase(events.TaskScheduledEvent, execution.ExecutionID, execution.JobID),
			TaskToken:        task.entry.TaskToken,
			TaskList:         task.entry.TaskList,
			ActivityName:     task.activityName,
			ScheduledEventID: task.entry.ScheduledEventID,
		})

		wake[task.entry.TaskList] = struct{}{}
	}

	if d.notifier == nil {
		return
	}

	for _, list := range sortedKeys(wake) {
		err := d.notifier.Notify(ctx, notify.TaskChannel(list))
		if err != nil {
			d.logger.WarnContext(ctx, "failed to send wake-up", "task_list", list, "error", err)
		}
	}
}
