package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/tidwall/gjson"
)

// Task is a claimed activity task together with the means to answer it.
type Task struct {
	*models.ActivityTask

	engine Capability
}

func NewTask(task *models.ActivityTask, engine Capability) *Task {
	return &Task{ActivityTask: task, engine: engine}
}

// Input returns the named input value.
func (t *Task) Input(name string) gjson.Result {
	return gjson.GetBytes(t.ActivityTask.Input, gjson.Escape(name))
}

// Heartbeat reports progress and tells whether the engine wants the task to stop.
func (t *Task) Heartbeat(ctx context.Context, progress *int, message string) (bool, error) {
	result, err := t.engine.Respond(ctx, t.TaskToken, &models.TaskResponse{
		Status:          models.TaskStatusHeartbeat,
		Progress:        progress,
		ProgressMessage: message,
	})
	if err != nil {
		return false, err
	}

	return result != nil && result.CancellationRequested, nil
}

func (t *Task) RespondSuccess(ctx context.Context, result any) error {
	raw, err := encode(result)
	if err != nil {
		return t.RespondFailure(ctx, "Invalid JSON response object", nil)
	}

	if raw == nil {
		raw = json.RawMessage(`{}`)
	}

	return t.respond(ctx, &models.TaskResponse{Status: models.TaskStatusSuccess, Result: raw})
}

func (t *Task) RespondFailure(ctx context.Context, reason string, details any) error {
	raw, err := encode(details)
	if err != nil {
		raw = nil
	}

	return t.respond(ctx, &models.TaskResponse{Status: models.TaskStatusFailure, Reason: reason, Details: raw})
}

func (t *Task) RespondCancelled(ctx context.Context) error {
	return t.respond(ctx, &models.TaskResponse{Status: models.TaskStatusCancelled})
}

// Success completes the task, by signal when the task carries a signalName input and by
// response otherwise.
func (t *Task) Success(ctx context.Context, result any) error {
	signalName := t.Input("signalName").String()
	if signalName == "" {
		return t.RespondSuccess(ctx, result)
	}

	raw, err := encode(result)
	if err != nil {
		return t.Failure(ctx, "Invalid JSON response object", nil)
	}

	return t.signal(ctx, &models.WorkflowSignalled{SignalName: signalName, Status: string(models.TaskStatusSuccess), Result: raw})
}

func (t *Task) Failure(ctx context.Context, reason string, details any) error {
	signalName := t.Input("signalName").String()
	if signalName == "" {
		return t.RespondFailure(ctx, reason, details)
	}

	raw, err := encode(details)
	if err != nil {
		raw = nil
	}

	return t.signal(ctx, &models.WorkflowSignalled{
		SignalName: signalName,
		Status:     string(models.TaskStatusFailure),
		Reason:     reason,
		Details:    raw,
	})
}

func (t *Task) Cancelled(ctx context.Context) error {
	signalName := t.Input("signalName").String()
	if signalName == "" {
		return t.RespondCancelled(ctx)
	}

	return t.signal(ctx, &models.WorkflowSignalled{SignalName: signalName, Status: string(models.TaskStatusCancelled)})
}

func (t *Task) respond(ctx context.Context, response *models.TaskResponse) error {
	_, err := t.engine.Respond(ctx, t.TaskToken, response)
	if err != nil {
		return fmt.Errorf("failed to respond %s for task %s: %w", response.Status, t.TaskToken, err)
	}

	return nil
}

func (t *Task) signal(ctx context.Context, signal *models.WorkflowSignalled) error {
	err := t.engine.Signal(ctx, t.ExecutionID, signal)
	if err != nil {
		return fmt.Errorf("failed to signal %s on execution %s: %w", signal.SignalName, t.ExecutionID, err)
	}

	return nil
}

// encode marshals v; nil stays nil and raw JSON passes through.
func encode(v any) (json.RawMessage, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return value, nil
	default:
		return json.Marshal(v)
	}
}
