// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/flowcore/pkg/history"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/version"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	AdderWorkflowName = "adder"
	AdderTaskList     = "math"
)

// AdderWorkflow creates the start -> A(add) -> end workflow with defaults that can be overridden.
// Output "sum" of A is mapped to the variable "total".
func AdderWorkflow(overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	workflow := &models.WorkflowDefinition{
		Name:    AdderWorkflowName,
		Version: "1.0",
		Variables: map[string]models.VariableDecl{
			"x":     {Path: "$.x", Required: true},
			"y":     {Path: "$.y", Default: json.RawMessage(`0`)},
			"total": {},
		},
		Tasks: []*models.TaskNode{
			{
				TaskID:          "start",
				ActivityName:    models.StartActivityName,
				ActivityVersion: "1.0",
				Outflows:        []models.Outflow{{Name: models.DefaultOutflow, Target: "A"}},
			},
			{
				TaskID:          "A",
				ActivityName:    "add",
				ActivityVersion: "1.0",
				Inputs: map[string]models.InputDecl{
					"x": {Var: "x"},
					"y": {Var: "y"},
				},
				Outputs:  map[string]models.OutputDecl{"sum": {Var: "total"}},
				Outflows: []models.Outflow{{Name: models.DefaultOutflow, Target: "end"}},
			},
			{
				TaskID:          "end",
				ActivityName:    "end",
				ActivityVersion: "1.0",
			},
		},
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithCleanup adds a cleanup graph: cleanup -> C(tidy) -> cleaned.
func WithCleanup() func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.Tasks = append(w.Tasks,
			&models.TaskNode{
				TaskID:          "cleanup",
				ActivityName:    models.CleanupActivityName,
				ActivityVersion: "1.0",
				Outflows:        []models.Outflow{{Name: models.DefaultOutflow, Target: "C"}},
			},
			&models.TaskNode{
				TaskID:          "C",
				ActivityName:    "tidy",
				ActivityVersion: "1.0",
				Outflows:        []models.Outflow{{Name: models.DefaultOutflow, Target: "cleaned"}},
			},
			&models.TaskNode{
				TaskID:          "cleaned",
				ActivityName:    "end",
				ActivityVersion: "1.0",
			},
		)
	}
}

// WithInputSchema requires the workflow input to be an object with a numeric x.
func WithInputSchema() func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.InputSchema = json.RawMessage(`{"type":"object","required":["x"],"properties":{"x":{"type":"number"}}}`)
	}
}

// Activities returns the activity definitions the adder workflow refers to.
func Activities() []*models.ActivityDefinition {
	return []*models.ActivityDefinition{
		{Name: "add", Version: "1.0", DefaultTaskList: AdderTaskList, DefaultTaskHeartbeatTimeout: models.IntPtr(30)},
		{Name: "tidy", Version: "1.0", DefaultTaskList: AdderTaskList, DefaultPriority: models.IntPtr(5)},
	}
}

// Seed stores the workflow and the activities it uses.
func Seed(t *testing.T, store persistence.Persistence, workflow *models.WorkflowDefinition) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, store.DefinitionRepository().SaveWorkflow(ctx, workflow))

	for _, activity := range Activities() {
		require.NoError(t, store.DefinitionRepository().SaveActivity(ctx, activity))
	}
}

// StartExecution creates a running execution of workflow awaiting its first decision.
func StartExecution(t *testing.T, store persistence.Persistence, workflow *models.WorkflowDefinition, input string) *models.Execution {
	t.Helper()

	packed, err := version.Encode(workflow.Version)
	require.NoError(t, err)

	execution := &models.Execution{
		ExecutionID:      uuid.NewString(),
		JobID:            "job-" + uuid.NewString()[:8],
		WorkflowName:     workflow.Name,
		WorkflowVersion:  packed,
		DecisionList:     workflow.EffectiveDecisionList(),
		State:            models.StateRunning,
		AwaitingDecision: true,
		LastSeen:         time.Now().UTC(),
	}

	err = store.WithTx(context.Background(), func(ctx context.Context, tx persistence.Persistence) error {
		err := tx.ExecutionRepository().Create(ctx, execution)
		if err != nil {
			return err
		}

		_, err = history.New(tx.HistoryRepository()).Append(ctx, execution.ExecutionID, models.WorkflowExecutionStarted{
			WorkflowName:    workflow.Name,
			WorkflowVersion: workflow.Version,
			Input:           json.RawMessage(input),
		})

		return err
	})
	require.NoError(t, err)

	return execution
}

// Events returns the event types of an execution's history in id order.
func Events(t *testing.T, store persistence.Persistence, executionID string) []models.EventType {
	t.Helper()

	stored, err := store.HistoryRepository().List(context.Background(), executionID, 0, 0)
	require.NoError(t, err)

	types := make([]models.EventType, 0, len(stored))
	for _, event := range stored {
		types = append(types, event.EventType)
	}

	return types
}
