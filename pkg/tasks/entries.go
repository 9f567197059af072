package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/google/uuid"
)

// Year is the deadline, in seconds, given to a task that declares no schedule timeout.
const Year = 3600 * 12 * 365

// NotificationAlarm keeps notification entries out of the timeout sweep.
var NotificationAlarm = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// NewEntry builds the task list entry for a scheduled event. The task alarm is the earlier of
// the schedule-to-close and schedule-to-start deadlines.
func NewEntry(execution *models.Execution, scheduledEventID int64, scheduled *models.ActivityTaskScheduled, now time.Time) *models.TaskListEntry {
	deadline := min(secondsOr(scheduled.ScheduleToCloseTimeout, Year), secondsOr(scheduled.ScheduleToStartTimeout, Year))

	return &models.TaskListEntry{
		TaskToken:              uuid.NewString(),
		ExecutionID:            execution.ExecutionID,
		JobID:                  execution.JobID,
		TaskList:               scheduled.TaskList,
		ScheduledEventID:       scheduledEventID,
		Priority:               scheduled.TaskPriority,
		ScheduledAt:            now,
		HeartbeatTimeout:       scheduled.HeartbeatTimeout,
		ScheduleToCloseTimeout: scheduled.ScheduleToCloseTimeout,
		StartToCloseTimeout:    scheduled.StartToCloseTimeout,
		TaskAlarm:              now.Add(time.Duration(deadline) * time.Second),
		ProgressData:           progressData(scheduled.Input),
	}
}

func secondsOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}

	return *v
}

func progressData(input json.RawMessage) json.RawMessage {
	var fields struct {
		ProgressData json.RawMessage `json:"progressData"`
	}

	if len(input) == 0 || json.Unmarshal(input, &fields) != nil {
		return nil
	}

	return fields.ProgressData
}

// HeartbeatNotification is delivered to the updater list on every heartbeat.
type HeartbeatNotification struct {
	Type         string          `json:"type"`
	ExecutionID  string          `json:"executionId"`
	JobID        string          `json:"jobId"`
	Progress     int             `json:"progress"`
	Message      string          `json:"message"`
	ProgressData json.RawMessage `json:"progressData"`
}

// FailureNotification is delivered to the updater list when an execution fails.
type FailureNotification struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	JobID       string `json:"jobId"`
	Reason      string `json:"reason"`
}

const (
	HeartbeatNotificationType = "ActivityTaskHeartbeat"
	FailureNotificationType   = string(models.EventWorkflowExecutionFailed)
)

// EnqueueNotification adds a synthetic entry to the updater list. Notifications are delivered
// to the first poller and deleted without being claimed.
func EnqueueNotification(ctx context.Context, tx persistence.Persistence, executionID, jobID string, data any, now time.Time) (*models.TaskListEntry, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}

	entry := &models.TaskListEntry{
		TaskToken:        uuid.NewString(),
		ExecutionID:      executionID,
		JobID:            jobID,
		TaskList:         models.UpdaterTaskList,
		ScheduledEventID: 0,
		Priority:         models.NotificationPriority,
		ScheduledAt:      now,
		HeartbeatTimeout: models.IntPtr(math.MaxInt32),
		TaskAlarm:        NotificationAlarm,
		NotificationData: payload,
	}

	err = tx.TaskRepository().Create(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue notification: %w", err)
	}

	return entry, nil
}

// CancelExecutionTasks deletes the unclaimed entries of an execution and flags the claimed ones
// as cancelling so their workers observe it on the next heartbeat.
func CancelExecutionTasks(ctx context.Context, tx persistence.Persistence, executionID string) error {
	repo := tx.TaskRepository()

	entries, err := repo.ListByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	for _, entry := range entries {
		if entry.IsNotification() {
			continue
		}

		if entry.Claimed() {
			entry.Cancelling = true
			err = repo.Update(ctx, entry)
		} else {
			err = repo.Delete(ctx, entry)
		}

		if err != nil {
			return fmt.Errorf("failed to cancel task %s: %w", entry.TaskToken, err)
		}
	}

	return nil
}
