package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the tag stored with every history entry.
type EventType string

const (
	EventWorkflowExecutionStarted   EventType = "WorkflowExecutionStartedEvent"
	EventWorkflowExecutionCompleted EventType = "WorkflowExecutionCompletedEvent"
	EventWorkflowExecutionFailed    EventType = "WorkflowExecutionFailedEvent"
	EventWorkflowExecutionCancelled EventType = "WorkflowExecutionCancelledEvent"
	EventWorkflowExecutionPaused    EventType = "WorkflowExecutionPausedEvent"
	EventWorkflowExecutionResumed   EventType = "WorkflowExecutionResumedEvent"
	EventWorkflowStopped            EventType = "WorkflowStoppedEvent"
	EventWorkflowCleanupStarted     EventType = "WorkflowCleanupStartedEvent"
	EventWorkflowSignalled          EventType = "WorkflowSignalledEvent"
	EventActivityTaskScheduled      EventType = "ActivityTaskScheduledEvent"
	EventActivityTaskStarted        EventType = "ActivityTaskStartedEvent"
	EventActivityTaskCompleted      EventType = "ActivityTaskCompletedEvent"
	EventActivityTaskFailed         EventType = "ActivityTaskFailedEvent"
	EventActivityTaskCancelled      EventType = "ActivityTaskCancelledEvent"
	EventActivityTaskTimedOut       EventType = "ActivityTaskTimeoutEvent"
)

// TerminalEventTypes mark an execution as finished for retention purposes.
var TerminalEventTypes = []EventType{
	EventWorkflowExecutionCompleted,
	EventWorkflowExecutionCancelled,
	EventWorkflowStopped,
}

var ErrUnknownEventType = errors.New("unknown event type")

// HistoryEvent is one stored entry of an execution's history. ID is assigned by the store and
// is the only ordering key; Timestamp is informational.
type HistoryEvent struct {
	ExecutionID string          `json:"executionId"`
	ID          int64           `json:"id"`
	EventType   EventType       `json:"eventType"`
	Timestamp   time.Time       `json:"timestamp"`
	Attributes  json.RawMessage `json:"attributes"`
}

// Decode returns the typed payload of the entry.
func (h *HistoryEvent) Decode() (Event, error) {
	return DecodeEvent(h.EventType, h.Attributes)
}

// Event is implemented by every history payload.
type Event interface {
	EventType() EventType
}

type WorkflowExecutionStarted struct {
	WorkflowName                 string          `json:"workflowName"`
	WorkflowVersion              string          `json:"workflowVersion,omitempty"`
	Input                        json.RawMessage `json:"input,omitempty"`
	DecisionList                 string          `json:"decisionList,omitempty"`
	TaskPriority                 *int            `json:"taskPriority,omitempty"`
	ExecutionStartToCloseTimeout *int            `json:"executionStartToCloseTimeout,omitempty"`
	TaskStartToCloseTimeout      *int            `json:"taskStartToCloseTimeout,omitempty"`
	TagList                      []string        `json:"tagList,omitempty"`
}

func (WorkflowExecutionStarted) EventType() EventType { return EventWorkflowExecutionStarted }

type WorkflowExecutionCompleted struct{}

func (WorkflowExecutionCompleted) EventType() EventType { return EventWorkflowExecutionCompleted }

type WorkflowExecutionFailed struct {
	Reason string `json:"reason"`
}

func (WorkflowExecutionFailed) EventType() EventType { return EventWorkflowExecutionFailed }

type WorkflowExecutionCancelled struct{}

func (WorkflowExecutionCancelled) EventType() EventType { return EventWorkflowExecutionCancelled }

type WorkflowExecutionPaused struct{}

func (WorkflowExecutionPaused) EventType() EventType { return EventWorkflowExecutionPaused }

type WorkflowExecutionResumed struct{}

func (WorkflowExecutionResumed) EventType() EventType { return EventWorkflowExecutionResumed }

type WorkflowStopped struct{}

func (WorkflowStopped) EventType() EventType { return EventWorkflowStopped }

type WorkflowCleanupStarted struct{}

func (WorkflowCleanupStarted) EventType() EventType { return EventWorkflowCleanupStarted }

// WorkflowSignalled is an asynchronous fact delivered to an execution, read back by a task
// waiting on SignalName.
type WorkflowSignalled struct {
	SignalName string          `json:"signalName"`
	Status     string          `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func (WorkflowSignalled) EventType() EventType { return EventWorkflowSignalled }

type ActivityTaskScheduled struct {
	ActivityID             string          `json:"activityId"`
	ActivityName           string          `json:"activityName"`
	ActivityVersion        string          `json:"activityVersion"`
	TaskID                 string          `json:"taskId"`
	AsyncSignal            string          `json:"asyncSignal,omitempty"`
	Input                  json.RawMessage `json:"input,omitempty"`
	TaskList               string          `json:"taskList"`
	TaskPriority           int             `json:"taskPriority"`
	HeartbeatTimeout       *int            `json:"heartbeatTimeout,omitempty"`
	ScheduleToCloseTimeout *int            `json:"scheduleToCloseTimeout,omitempty"`
	ScheduleToStartTimeout *int            `json:"scheduleToStartTimeout,omitempty"`
	StartToCloseTimeout    *int            `json:"startToCloseTimeout,omitempty"`
}

func (ActivityTaskScheduled) EventType() EventType { return EventActivityTaskScheduled }

type ActivityTaskStarted struct {
	WorkerID         string `json:"workerId"`
	ScheduledEventID int64  `json:"scheduledEventId"`
}

func (ActivityTaskStarted) EventType() EventType { return EventActivityTaskStarted }

type ActivityTaskCompleted struct {
	Result            json.RawMessage `json:"result,omitempty"`
	SchedulingEventID int64           `json:"schedulingEventId"`
}

func (ActivityTaskCompleted) EventType() EventType { return EventActivityTaskCompleted }

type ActivityTaskFailed struct {
	Reason            string          `json:"reason,omitempty"`
	Details           json.RawMessage `json:"details,omitempty"`
	SchedulingEventID int64           `json:"schedulingEventId"`
}

func (ActivityTaskFailed) EventType() EventType { return EventActivityTaskFailed }

type ActivityTaskCancelled struct {
	Details           json.RawMessage `json:"details,omitempty"`
	SchedulingEventID int64           `json:"schedulingEventId"`
}

func (ActivityTaskCancelled) EventType() EventType { return EventActivityTaskCancelled }

// ActivityTaskTimedOut records a task reclaimed by the timeout sweep. HeartbeatMissed is true
// only when the heartbeat alarm fired and the task alarm had not.
type ActivityTaskTimedOut struct {
	SchedulingEventID int64 `json:"schedulingEventId"`
	HeartbeatMissed   bool  `json:"heartbeatMissed"`
}

func (ActivityTaskTimedOut) EventType() EventType { return EventActivityTaskTimedOut }

// DecodeEvent maps a stored tag and payload to its typed event.
func DecodeEvent(eventType EventType, raw []byte) (Event, error) {
	var event Event

	switch eventType {
	case EventWorkflowExecutionStarted:
		event = &WorkflowExecutionStarted{}
	case EventWorkflowExecutionCompleted:
		event = &WorkflowExecutionCompleted{}
	case EventWorkflowExecutionFailed:
		event = &WorkflowExecutionFailed{}
	case EventWorkflowExecutionCancelled:
		event = &WorkflowExecutionCancelled{}
	case EventWorkflowExecutionPaused:
		event = &WorkflowExecutionPaused{}
	case EventWorkflowExecutionResumed:
		event = &WorkflowExecutionResumed{}
	case EventWorkflowStopped:
		event = &WorkflowStopped{}
	case EventWorkflowCleanupStarted:
		event = &WorkflowCleanupStarted{}
	case EventWorkflowSignalled:
		event = &WorkflowSignalled{}
	case EventActivityTaskScheduled:
		event = &ActivityTaskScheduled{}
	case EventActivityTaskStarted:
		event = &ActivityTaskStarted{}
	case EventActivityTaskCompleted:
		event = &ActivityTaskCompleted{}
	case EventActivityTaskFailed:
		event = &ActivityTaskFailed{}
	case EventActivityTaskCancelled:
		event = &ActivityTaskCancelled{}
	case EventActivityTaskTimedOut:
		event = &ActivityTaskTimedOut{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, event); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", eventType, err)
		}
	}

	return event, nil
}

// EncodeEvent serialises an event for storage.
func EncodeEvent(event Event) (EventType, json.RawMessage, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s: %w", event.EventType(), err)
	}

	return event.EventType(), raw, nil
}
