package models

import (
	"encoding/json"
	"time"
)

const (
	// NotifyActivityName is the pseudo-activity delivered for updater notifications.
	NotifyActivityName    = "$notify"
	NotifyActivityVersion = "1.0.0.0"

	// UpdaterTaskList receives progress and failure notifications.
	UpdaterTaskList      = "updater"
	NotificationPriority = 100
)

// TaskListEntry is one outstanding unit of dispatchable work. An entry with an empty WorkerID
// is unclaimed and visible to pollers. ScheduledEventID 0 marks a synthetic notification.
type TaskListEntry struct {
	TaskToken              string          `json:"taskToken"`
	ExecutionID            string          `json:"executionId"`
	JobID                  string          `json:"jobId"`
	TaskList               string          `json:"taskList"`
	ScheduledEventID       int64           `json:"taskScheduledEventId"`
	Priority               int             `json:"priority"`
	WorkerID               string          `json:"workerId,omitempty"`
	ScheduledAt            time.Time       `json:"scheduledAt"`
	StartedAt              *time.Time      `json:"startedAt,omitempty"`
	HeartbeatTimeout       *int            `json:"heartbeatTimeout,omitempty"`
	HeartbeatAlarm         *time.Time      `json:"heartbeatAlarm,omitempty"`
	ScheduleToCloseTimeout *int            `json:"taskScheduleToCloseTimeout,omitempty"`
	StartToCloseTimeout    *int            `json:"taskStartToCloseTimeout,omitempty"`
	TaskAlarm              time.Time       `json:"taskAlarm"`
	Cancelling             bool            `json:"cancelling"`
	Progress               *int            `json:"progress,omitempty"`
	ProgressMessage        string          `json:"progressMessage,omitempty"`
	NotificationData       json.RawMessage `json:"notificationData,omitempty"`
	ProgressData           json.RawMessage `json:"progressData,omitempty"`
	Version                int64           `json:"-"`
}

func (t *TaskListEntry) Claimed() bool {
	return t.WorkerID != ""
}

func (t *TaskListEntry) IsNotification() bool {
	return t.ScheduledEventID == 0
}

// TaskRow is a task list entry joined with its execution and scheduling event, as listed by
// the task list endpoint.
type TaskRow struct {
	TaskListEntry

	WorkflowName    string        `json:"workflowName"`
	WorkflowVersion string        `json:"workflowVersion"`
	SchedulingEvent *HistoryEvent `json:"schedulingEvent,omitempty"`
}

// ActivityTask is the payload handed to a worker on a successful poll.
type ActivityTask struct {
	ActivityID      string          `json:"activityId"`
	ActivityName    string          `json:"activityName"`
	ActivityVersion string          `json:"activityVersion"`
	AsyncSignal     string          `json:"asyncSignal,omitempty"`
	Input           json.RawMessage `json:"input"`
	StartedEventID  int64           `json:"startedEventId"`
	TaskToken       string          `json:"taskToken"`
	ExecutionID     string          `json:"executionId"`
	JobID           string          `json:"jobId"`
}

func (a *ActivityTask) IsNotification() bool {
	return a.ActivityName == NotifyActivityName
}

// TaskStatus drives response processing.
type TaskStatus string

const (
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailure   TaskStatus = "failure"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusHeartbeat TaskStatus = "heartbeat"

	// TaskStatusRescheduled hands a claimed task back to the queue. Deprecated: asynchronous
	// workers should signal instead.
	TaskStatusRescheduled TaskStatus = "rescheduled"
)

// TaskResponse is posted by a worker against a task token.
type TaskResponse struct {
	Status          TaskStatus      `json:"status" validate:"required,oneof=success failure cancelled heartbeat rescheduled"`
	Result          json.RawMessage `json:"result,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
	Progress        *int            `json:"progress,omitempty"`
	ProgressMessage string          `json:"progressMessage,omitempty"`
	ProgressData    json.RawMessage `json:"progressData,omitempty"`
	JobID           string          `json:"jobId,omitempty"`
}

// HeartbeatResult tells a worker whether to wind down.
type HeartbeatResult struct {
	CancellationRequested bool `json:"cancellationRequested"`
}
