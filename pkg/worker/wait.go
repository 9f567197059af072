package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowcore/pkg/models"
)

const DefaultPollRate = 10

// Wait completes a task once a named signal reaches the execution, mirroring the signal's
// status in the response.
type Wait struct {
	Logger *slog.Logger
	// Unit scales the pollRate input; zero means seconds.
	Unit time.Duration
}

func (w Wait) Handle(ctx context.Context, task *Task) error {
	signalName := task.Input("signalName").String()
	if signalName == "" {
		return task.RespondFailure(ctx, "Missing required signal name", nil)
	}

	unit := w.Unit
	if unit == 0 {
		unit = time.Second
	}

	pollRate := int64(DefaultPollRate)
	if input := task.Input("pollRate"); input.Exists() && input.Int() > 0 {
		pollRate = input.Int()
	}

	for {
		signal, err := w.find(ctx, task, signalName)
		if err != nil {
			return err
		}

		if signal != nil {
			return respondWithSignal(ctx, task, signal)
		}

		timer := time.NewTimer(time.Duration(pollRate) * unit)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// find returns the first signal named signalName, ignoring scheduled events that merely
// declare it.
func (w Wait) find(ctx context.Context, task *Task, signalName string) (*models.WorkflowSignalled, error) {
	events, err := task.engine.Signals(ctx, task.ExecutionID, signalName)
	if err != nil {
		return nil, err
	}

	var found []*models.WorkflowSignalled

	for _, event := range events {
		if event.EventType != models.EventWorkflowSignalled {
			continue
		}

		var signal models.WorkflowSignalled

		err := json.Unmarshal(event.Attributes, &signal)
		if err != nil {
			return nil, fmt.Errorf("failed to decode signal %d: %w", event.ID, err)
		}

		found = append(found, &signal)
	}

	if len(found) == 0 {
		return nil, nil
	}

	if len(found) > 1 && w.Logger != nil {
		w.Logger.WarnContext(ctx, "more than one matching signal, using the first",
			"execution_id", task.ExecutionID, "signal", signalName)
	}

	return found[0], nil
}

func respondWithSignal(ctx context.Context, task *Task, signal *models.WorkflowSignalled) error {
	switch models.TaskStatus(signal.Status) {
	case models.TaskStatusSuccess:
		return task.RespondSuccess(ctx, signal.Result)
	case models.TaskStatusFailure:
		return task.RespondFailure(ctx, signal.Reason, signal.Details)
	case models.TaskStatusCancelled:
		return task.RespondCancelled(ctx)
	default:
		return task.RespondFailure(ctx, "Invalid signal status - "+signal.Status, signal)
	}
}
