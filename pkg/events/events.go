// Package events defines the lifecycle notifications published while executions run.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const Topic = "flowcore.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent      EventType = "execution.started"
	ExecutionCompletedEvent    EventType = "execution.completed"
	ExecutionFailedEvent       EventType = "execution.failed"
	ExecutionStoppedEvent      EventType = "execution.stopped"
	ExecutionStateChangedEvent EventType = "execution.state_changed"
	TaskScheduledEvent         EventType = "task.scheduled"
	TaskTimedOutEvent          EventType = "task.timed_out"
)

var ErrUnknownEvent = errors.New("unknown event type")

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	JobID       string    `json:"job_id,omitempty"`
}

// NewBase stamps a new event of the given type.
func NewBase(eventType EventType, executionID, jobID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		JobID:       jobID,
	}
}

type ExecutionStarted struct {
	BaseEvent

	WorkflowName    string `json:"workflow_name"`
	WorkflowVersion string `json:"workflow_version"`
}

func (ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent
}

func (ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	Reason string `json:"reason"`
}

func (ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionStopped struct {
	BaseEvent
}

func (ExecutionStopped) GetType() EventType {
	return ExecutionStoppedEvent
}

// ExecutionStateChanged is published when an external command is accepted.
type ExecutionStateChanged struct {
	BaseEvent

	Command string `json:"command"`
	From    string `json:"from"`
	To      string `json:"to"`
}

func (ExecutionStateChanged) GetType() EventType {
	return ExecutionStateChangedEvent
}

type TaskScheduled struct {
	BaseEvent

	TaskToken        string `json:"task_token"`
	TaskList         string `json:"task_list"`
	ActivityName     string `json:"activity_name"`
	ScheduledEventID int64  `json:"scheduled_event_id"`
}

func (TaskScheduled) GetType() EventType {
	return TaskScheduledEvent
}

type TaskTimedOut struct {
	BaseEvent

	TaskToken       string `json:"task_token"`
	HeartbeatMissed bool   `json:"heartbeat_missed"`
}

func (TaskTimedOut) GetType() EventType {
	return TaskTimedOutEvent
}

// Decode maps a message's event type metadata and payload to its typed event.
func Decode(eventType EventType, payload []byte) (any, error) {
	var event any

	switch eventType {
	case ExecutionStartedEvent:
		event = &ExecutionStarted{}
	case ExecutionCompletedEvent:
		event = &ExecutionCompleted{}
	case ExecutionFailedEvent:
		event = &ExecutionFailed{}
	case ExecutionStoppedEvent:
		event = &ExecutionStopped{}
	case ExecutionStateChangedEvent:
		event = &ExecutionStateChanged{}
	case TaskScheduledEvent:
		event = &TaskScheduled{}
	case TaskTimedOutEvent:
		event = &TaskTimedOut{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}

	err := json.Unmarshal(payload, event)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", eventType, err)
	}

	return event, nil
}
