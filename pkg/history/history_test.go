package history_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/flowcore/pkg/history"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecution(t *testing.T, store persistence.Persistence) string {
	t.Helper()

	execution := &models.Execution{
		ExecutionID:  "exec-1",
		WorkflowName: "adder",
		DecisionList: models.DefaultDecisionList,
		State:        models.StateRunning,
		LastSeen:     time.Now().UTC(),
	}
	require.NoError(t, store.ExecutionRepository().Create(context.Background(), execution))

	return execution.ExecutionID
}

func TestLog_AppendAndEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	executionID := newExecution(t, store)
	log := history.New(store.HistoryRepository())

	first, err := log.Append(ctx, executionID, models.WorkflowExecutionStarted{
		WorkflowName: "adder",
		Input:        json.RawMessage(`{"x":5}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)

	second, err := log.Append(ctx, executionID, models.ActivityTaskScheduled{TaskID: "A", ActivityName: "add"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ID)

	entries, err := log.Entries(ctx, executionID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	started, ok := entries[0].Event.(*models.WorkflowExecutionStarted)
	require.True(t, ok)
	assert.Equal(t, "adder", started.WorkflowName)

	after, err := log.Entries(ctx, executionID, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, models.EventActivityTaskScheduled, after[0].EventType)

	count, err := log.Count(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLog_Scheduled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	executionID := newExecution(t, store)
	log := history.New(store.HistoryRepository())

	_, err := log.Append(ctx, executionID, models.WorkflowExecutionStarted{WorkflowName: "adder"})
	require.NoError(t, err)

	scheduled, err := log.Append(ctx, executionID, models.ActivityTaskScheduled{TaskID: "A", AsyncSignal: "approved"})
	require.NoError(t, err)

	got, err := log.Scheduled(ctx, executionID, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.TaskID)

	_, err = log.Scheduled(ctx, executionID, 1)
	require.Error(t, err)

	_, err = log.Scheduled(ctx, executionID, 99)
	require.ErrorIs(t, err, persistence.ErrHistoryEventNotFound)

	_, err = log.Append(ctx, executionID, models.WorkflowSignalled{SignalName: "approved", Status: "success"})
	require.NoError(t, err)

	signals, err := log.FindSignal(ctx, executionID, "approved")
	require.NoError(t, err)
	assert.Len(t, signals, 2)
}

func TestLog_AppendUnknownExecution(t *testing.T) {
	t.Parallel()

	log := history.New(memory.NewPersistence().HistoryRepository())

	_, err := log.Append(context.Background(), "missing", models.WorkflowStopped{})
	require.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}
