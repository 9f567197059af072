// Package tasks hands scheduled activity tasks to workers and applies their responses.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowcore/pkg/history"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/notify"
	"github.com/dukex/flowcore/pkg/otelhelper"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ResponseAttempts bounds the conflict retries of one worker response.
const ResponseAttempts = 10

var ErrInvalidStatus = errors.New("invalid task response status")

type Scheduler struct {
	store    persistence.Persistence
	logger   *slog.Logger
	notifier notify.Notifier
	tracer   trace.Tracer
	now      func() time.Time
	backoff  time.Duration
}

type Option func(*Scheduler)

// WithNotifier wakes pollers and deciders when work becomes available.
func WithNotifier(notifier notify.Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = notifier
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(store persistence.Persistence, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		logger:  logger,
		tracer:  otelhelper.NoopTracer(),
		now:     func() time.Time { return time.Now().UTC() },
		backoff: 10 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Poll claims the next task on taskList for workerID. It returns nil when no task is available,
// including when a concurrent poller or the timeout sweep won the race for the entry.
func (s *Scheduler) Poll(ctx context.Context, taskList, workerID string) (*models.ActivityTask, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "tasks.poll",
		attribute.String(otelhelper.TaskListKey, taskList),
		attribute.String(otelhelper.WorkerIDKey, workerID))
	defer span.End()

	var (
		claimed      *models.TaskListEntry
		notification *models.ActivityTask
	)

	policy := retry.Policy{IsConflict: persistence.IsConflict, Strategy: retry.KeepTheirs}

	applied, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		claimed, notification = nil, nil

		return s.store.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
			entry, err := tx.TaskRepository().NextUnclaimed(ctx, taskList)
			if err != nil || entry == nil {
				return err
			}

			if entry.IsNotification() {
				err = tx.TaskRepository().Delete(ctx, entry)
				if err != nil {
					return err
				}

				notification = notificationTask(entry)

				return nil
			}

			s.start(entry, workerID)

			err = tx.TaskRepository().Update(ctx, entry)
			if err != nil {
				return err
			}

			claimed = entry

			return nil
		})
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	if !applied {
		s.logger.DebugContext(ctx, "lost task claim race", "task_list", taskList, "worker_id", workerID)

		return nil, nil
	}

	if notification != nil {
		return notification, nil
	}

	if claimed == nil {
		return nil, nil
	}

	span.SetAttributes(
		attribute.String(otelhelper.TaskTokenKey, claimed.TaskToken),
		attribute.String(otelhelper.ExecutionIDKey, claimed.ExecutionID))

	task, err := s.started(ctx, claimed, workerID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return task, nil
}

// PollWait polls until a task arrives or wait elapses, sleeping on the list's wake-up channel
// in between.
func (s *Scheduler) PollWait(ctx context.Context, taskList, workerID string, wait time.Duration) (*models.ActivityTask, error) {
	deadline := s.now().Add(wait)

	for {
		task, err := s.Poll(ctx, taskList, workerID)
		if err != nil || task != nil {
			return task, err
		}

		remaining := deadline.Sub(s.now())
		if s.notifier == nil || remaining <= 0 {
			return nil, nil
		}

		notified, err := s.notifier.Wait(ctx, notify.TaskChannel(taskList), remaining)
		if err != nil {
			return nil, err
		}

		if !notified {
			return s.Poll(ctx, taskList, workerID)
		}
	}
}

func (s *Scheduler) start(entry *models.TaskListEntry, workerID string) {
	now := s.now()
	entry.WorkerID = workerID
	entry.StartedAt = &now

	if entry.HeartbeatTimeout != nil {
		alarm := now.Add(time.Duration(*entry.HeartbeatTimeout) * time.Second)
		entry.HeartbeatAlarm = &alarm
	}

	// Once claimed, schedule-to-start no longer applies; the alarm is the earliest of the
	// declared close timeouts, or the one-year fallback when neither is declared.
	deadline := min(secondsOr(entry.ScheduleToCloseTimeout, Year), secondsOr(entry.StartToCloseTimeout, Year))
	entry.TaskAlarm = entry.ScheduledAt.Add(time.Duration(deadline) * time.Second)
}

// started records the claim in history and builds the worker payload.
func (s *Scheduler) started(ctx context.Context, entry *models.TaskListEntry, workerID string) (*models.ActivityTask, error) {
	var task *models.ActivityTask

	err := s.store.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		log := history.New(tx.HistoryRepository())

		scheduled, err := log.Scheduled(ctx, entry.ExecutionID, entry.ScheduledEventID)
		if err != nil {
			return err
		}

		event, err := log.Append(ctx, entry.ExecutionID, models.ActivityTaskStarted{
			WorkerID:         workerID,
			ScheduledEventID: entry.ScheduledEventID,
		})
		if err != nil {
			return err
		}

		task = &models.ActivityTask{
			ActivityID:      scheduled.ActivityID,
			ActivityName:    scheduled.ActivityName,
			ActivityVersion: scheduled.ActivityVersion,
			AsyncSignal:     scheduled.AsyncSignal,
			Input:           scheduled.Input,
			StartedEventID:  event.ID,
			TaskToken:       entry.TaskToken,
			ExecutionID:     entry.ExecutionID,
			JobID:           entry.JobID,
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start task %s: %w", entry.TaskToken, err)
	}

	s.logger.InfoContext(ctx, "task started",
		"task_token", entry.TaskToken, "execution_id", entry.ExecutionID,
		"activity", task.ActivityName, "worker_id", workerID)

	return task, nil
}

func notificationTask(entry *models.TaskListEntry) *models.ActivityTask {
	return &models.ActivityTask{
		ActivityName:    models.NotifyActivityName,
		ActivityVersion: models.NotifyActivityVersion,
		Input:           entry.NotificationData,
		TaskToken:       entry.TaskToken,
		ExecutionID:     entry.ExecutionID,
		JobID:           entry.JobID,
	}
}

// Respond applies a worker response to the task holding token. Responses for a task that no
// longer exists are ignored. Only heartbeats return a result.
func (s *Scheduler) Respond(ctx context.Context, token string, response *models.TaskResponse) (*models.HeartbeatResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "tasks.respond",
		attribute.String(otelhelper.TaskTokenKey, token),
		attribute.String(otelhelper.TaskStatusKey, string(response.Status)))
	defer span.End()

	var (
		result       *models.HeartbeatResult
		decisionList string
		notifyList   string
	)

	policy := retry.Policy{
		MaxAttempts: ResponseAttempts,
		IsConflict:  persistence.IsConflict,
		Strategy:    retry.Recompute,
		BaseWait:    s.backoff,
		MaxWait:     time.Second,
	}

	_, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		result, decisionList, notifyList = nil, "", ""

		return s.store.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
			entry, err := tx.TaskRepository().GetByToken(ctx, token)
			if persistence.IsTaskNotFound(err) {
				s.logger.InfoContext(ctx, "ignoring response for deleted task",
					"task_token", token, "status", response.Status)

				if response.Status == models.TaskStatusHeartbeat {
					result = &models.HeartbeatResult{CancellationRequested: true}
				}

				return nil
			}

			if err != nil {
				return err
			}

			switch response.Status {
			case models.TaskStatusSuccess:
				decisionList, err = s.finish(ctx, tx, entry, models.ActivityTaskCompleted{
					Result:            response.Result,
					SchedulingEventID: entry.ScheduledEventID,
				})
			case models.TaskStatusFailure:
				decisionList, err = s.finish(ctx, tx, entry, models.ActivityTaskFailed{
					Reason:            response.Reason,
					Details:           response.Details,
					SchedulingEventID: entry.ScheduledEventID,
				})
			case models.TaskStatusCancelled:
				decisionList, err = s.finish(ctx, tx, entry, models.ActivityTaskCancelled{
					Details:           response.Details,
					SchedulingEventID: entry.ScheduledEventID,
				})
			case models.TaskStatusHeartbeat:
				result, err = s.heartbeat(ctx, tx, entry, response)
				notifyList = models.UpdaterTaskList
			case models.TaskStatusRescheduled:
				entry.WorkerID = ""
				entry.ScheduledAt = s.now()
				err = tx.TaskRepository().Update(ctx, entry)
				notifyList = entry.TaskList
			default:
				err = fmt.Errorf("%w: %q", ErrInvalidStatus, response.Status)
			}

			return err
		})
	})
	if err != nil {
		otelhelper.SetError(span, err)
		s.logger.ErrorContext(ctx, "failed to process task response",
			"task_token", token, "status", response.Status, "error", err)

		return nil, fmt.Errorf("failed to process %s response: %w", response.Status, err)
	}

	if decisionList != "" {
		s.wake(ctx, notify.DecisionChannel(decisionList))
	}

	if notifyList != "" {
		s.wake(ctx, notify.TaskChannel(notifyList))
	}

	return result, nil
}

// finish records the task outcome, flags the execution for a decision and removes the entry.
func (s *Scheduler) finish(ctx context.Context, tx persistence.Persistence, entry *models.TaskListEntry, outcome models.Event) (string, error) {
	_, err := history.New(tx.HistoryRepository()).Append(ctx, entry.ExecutionID, outcome)
	if err != nil {
		return "", err
	}

	execution, err := tx.ExecutionRepository().GetByID(ctx, entry.ExecutionID)
	if err != nil {
		return "", err
	}

	execution.AwaitingDecision = true

	err = tx.ExecutionRepository().Update(ctx, execution)
	if err != nil {
		return "", err
	}

	err = tx.TaskRepository().Delete(ctx, entry)
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "task finished",
		"task_token", entry.TaskToken, "execution_id", entry.ExecutionID, "outcome", outcome.EventType())

	return execution.DecisionList, nil
}

func (s *Scheduler) heartbeat(ctx context.Context, tx persistence.Persistence, entry *models.TaskListEntry, response *models.TaskResponse) (*models.HeartbeatResult, error) {
	now := s.now()

	if response.Progress != nil {
		progress := *response.Progress
		entry.Progress = &progress
	}

	if response.ProgressMessage != "" {
		entry.ProgressMessage = response.ProgressMessage
	}

	if entry.HeartbeatTimeout != nil {
		alarm := now.Add(time.Duration(*entry.HeartbeatTimeout) * time.Second)
		entry.HeartbeatAlarm = &alarm
	}

	err := tx.TaskRepository().Update(ctx, entry)
	if err != nil {
		return nil, err
	}

	progress := -1
	if entry.Progress != nil {
		progress = *entry.Progress
	}

	_, err = EnqueueNotification(ctx, tx, entry.ExecutionID, entry.JobID, HeartbeatNotification{
		Type:         HeartbeatNotificationType,
		ExecutionID:  entry.ExecutionID,
		JobID:        entry.JobID,
		Progress:     progress,
		Message:      entry.ProgressMessage,
		ProgressData: entry.ProgressData,
	}, now)
	if err != nil {
		return nil, err
	}

	return &models.HeartbeatResult{CancellationRequested: entry.Cancelling}, nil
}

func (s *Scheduler) wake(ctx context.Context, channel string) {
	if s.notifier == nil {
		return
	}

	err := s.notifier.Notify(ctx, channel)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to send wake-up", "channel", channel, "error", err)
	}
}
