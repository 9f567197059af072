package decider_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/flowcore/pkg/channels/gochannel"
	"github.com/dukex/flowcore/pkg/decider"
	"github.com/dukex/flowcore/pkg/eventbus"
	"github.com/dukex/flowcore/pkg/events"
	"github.com/dukex/flowcore/pkg/history"
	"github.com/dukex/flowcore/pkg/log"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/persistence/memory"
	"github.com/dukex/flowcore/pkg/tasks"
	"github.com/dukex/flowcore/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store     *memory.Persistence
	decider   *decider.Decider
	scheduler *tasks.Scheduler
}

func newHarness(t *testing.T, workflow *models.WorkflowDefinition, opts ...decider.Option) *harness {
	t.Helper()

	store := memory.NewPersistence()
	testutil.Seed(t, store, workflow)

	return &harness{
		store:     store,
		decider:   decider.New(store, log.Discard(), "", opts...),
		scheduler: tasks.NewScheduler(store, log.Discard()),
	}
}

func (h *harness) step(t *testing.T) bool {
	t.Helper()

	decided, err := h.decider.Step(context.Background())
	require.NoError(t, err)

	return decided
}

func (h *harness) execution(t *testing.T, id string) *models.Execution {
	t.Helper()

	execution, err := h.store.ExecutionRepository().GetByID(context.Background(), id)
	require.NoError(t, err)

	return execution
}

// work polls the list and answers the task with response.
func (h *harness) work(t *testing.T, list string, response *models.TaskResponse) *models.ActivityTask {
	t.Helper()

	ctx := context.Background()

	task, err := h.scheduler.Poll(ctx, list, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)

	_, err = h.scheduler.Respond(ctx, task.TaskToken, response)
	require.NoError(t, err)

	return task
}

func (h *harness) variables(t *testing.T, executionID string) map[string]string {
	t.Helper()

	stored, err := h.store.VariableRepository().List(context.Background(), executionID)
	require.NoError(t, err)

	values := make(map[string]string, len(stored))
	for _, variable := range stored {
		values[variable.Name] = string(variable.Value)
	}

	return values
}

func TestDecider_AdderCompletes(t *testing.T) {
	t.Parallel()

	workflow := testutil.AdderWorkflow()
	h := newHarness(t, workflow)
	execution := testutil.StartExecution(t, h.store, workflow, `{"x":5,"y":3}`)

	assert.True(t, h.step(t))

	claimed := h.execution(t, execution.ExecutionID)
	assert.False(t, claimed.AwaitingDecision)
	assert.False(t, claimed.Claimed())
	assert.Equal(t, int64(1), claimed.HistorySeen)

	assert.Equal(t, map[string]string{"x": "5", "y": "3", "total": "null"}, h.variables(t, execution.ExecutionID))

	task := h.work(t, testutil.AdderTaskList, &models.TaskResponse{
		Status: models.TaskStatusSuccess,
		Result: json.RawMessage(`{"sum":8}`),
	})
	assert.Equal(t, "add", task.ActivityName)
	assert.JSONEq(t, `{"$outflows":["Out"],"x":5,"y":3}`, string(task.Input))

	assert.True(t, h.step(t))

	finished := h.execution(t, execution.ExecutionID)
	assert.Equal(t, models.StateStopped, finished.State)
	assert.Equal(t, int64(4), finished.HistorySeen)
	assert.Equal(t, "8", h.variables(t, execution.ExecutionID)["total"])

	assert.Equal(t, []models.EventType{
		models.EventWorkflowExecutionStarted,
		models.EventActivityTaskScheduled,
		models.EventActivityTaskStarted,
		models.EventActivityTaskCompleted,
		models.EventWorkflowExecutionCompleted,
		models.EventWorkflowStopped,
	}, testutil.Events(t, h.store, execution.ExecutionID))

	assert.False(t, h.step(t))
}

func TestDecider_VariableDefaultsAndRequired(t *testing.T) {
	t.Parallel()

	workflow := testutil.AdderWorkflow()
	h := newHarness(t, workflow)

	withDefault := testutil.StartExecution(t, h.store, workflow, `{"x":1,"y":null}`)
	assert.True(t, h.step(t))
	assert.Equal(t, "0", h.variables(t, withDefault.ExecutionID)["y"])

	missing := testutil.StartExecution(t, h.store, workflow, `{"y":2}`)
	assert.True(t, h.step(t))

	stopped := h.execution(t, missing.ExecutionID)
	assert.Equal(t, models.StateStopped, stopped.State)
	assert.Equal(t, []models.EventType{
		models.EventWorkflowExecutionStarted,
		models.EventWorkflowExecutionFailed,
		models.EventWorkflowStopped,
	}, testutil.Events(t, h.store, missing.ExecutionID))

	notification, err := h.scheduler.Poll(context.Background(), models.UpdaterTaskList, "updater")
	require.NoError(t, err)
	require.NotNil(t, notification)
	assert.Contains(t, string(notification.Input), `"type":"WorkflowExecutionFailedEvent"`)
	assert.Contains(t, string(notification.Input), "required value not available")
}

func TestDecider_CancelWithoutCleanupStops(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	workflow := testutil.AdderWorkflow()
	h := newHarness(t, workflow)
	execution := testutil.StartExecution(t, h.store, workflow, `{"x":5,"y":3}`)

	assert.True(t, h.step(t))

	require.NoError(t, h.store.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		_, err := history.New(tx.HistoryRepository()).Append(ctx, execution.ExecutionID, models.WorkflowExecutionCancelled{})
		if err != nil {
			return err
		}

		current, err := tx.ExecutionRepository().GetByID(ctx, execution.ExecutionID)
		if err != nil {
			return err
		}

		current.AwaitingDecision = true

		return tx.ExecutionRepository().Update(ctx, current)
	}))

	assert.True(t, h.step(t))
	assert.Equal(t, models.StateStopped, h.execution(t, execution.ExecutionID).State)

	remaining, err := h.store.TaskRepository().ListByExecution(ctx, execution.ExecutionID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDecider_CleanupGraph(t *testing.T) {
	t.Parallel()

	workflow := testutil.AdderWorkflow(testutil.WithCleanup())
	h := newHarness(t, workflow)
	execution := testutil.StartExecution(t, h.store, workflow, `{"x":5,"y":3}`)

	assert.True(t, h.step(t))

	h.work(t, testutil.AdderTaskList, &models.TaskResponse{
		Status: models.TaskStatusSuccess,
		Result: json.RawMessage(`{"sum":8}`),
	})

	assert.True(t, h.step(t))
	assert.Equal(t, models.StateCleanup, h.execution(t, execution.ExecutionID).State)

	tidy := h.work(t, testutil.AdderTaskList, &models.TaskResponse{Status: models.TaskStatusSuccess})
	assert.Equal(t, "tidy", tidy.ActivityName)

	assert.True(t, h.step(t))
	assert.Equal(t, models.StateStopped, h.execution(t, execution.ExecutionID).State)

	assert.Equal(t, []models.EventType{
		models.EventWorkflowExecutionStarted,
		models.EventActivityTaskScheduled,
		models.EventActivityTaskStarted,
		models.EventActivityTaskCompleted,
		models.EventWorkflowExecutionCompleted,
		models.EventWorkflowCleanupStarted,
		models.EventActivityTaskScheduled,
		models.EventActivityTaskStarted,
		models.EventActivityTaskCompleted,
		models.EventWorkflowStopped,
	}, testutil.Events(t, h.store, execution.ExecutionID))
}

func TestDecider_FailureWithFailOutflow(t *testing.T) {
	t.Parallel()

	workflow := testutil.AdderWorkflow(testutil.WithCleanup(), func(w *models.WorkflowDefinition) {
		task, err := w.Task("A")
		if err == nil {
			task.FailOutflow = &models.Outflow{Name: "Error", Target: "C"}
		}
	})
	h := newHarness(t, workflow)
	execution := testutil.StartExecution(t, h.store, workflow, `{"x":5,"y":3}`)

	assert.True(t, h.step(t))

	h.work(t, testutil.AdderTaskList, &models.TaskResponse{Status: models.TaskStatusFailure, Reason: "overflow"})

	assert.True(t, h.step(t))

	events := testutil.Events(t, h.store, execution.ExecutionID)
	assert.Equal(t, []models.EventType{
		models.EventWorkflowExecutionStarted,
		models.EventActivityTaskScheduled,
		models.EventActivityTaskStarted,
		models.EventActivityTaskFailed,
		models.EventActivityTaskScheduled,
		models.EventWorkflowExecutionFailed,
		models.EventWorkflowCleanupStarted,
		models.EventActivityTaskScheduled,
	}, events)

	stored, err := h.store.HistoryRepository().Get(context.Background(), execution.ExecutionID, 6)
	require.NoError(t, err)

	failed, err := stored.Decode()
	require.NoError(t, err)
	assert.Equal(t, "Task A failed with no recovery action defined", failed.(*models.WorkflowExecutionFailed).Reason)
	assert.Equal(t, models.StateCleanup, h.execution(t, execution.ExecutionID).State)
}

func TestDecider_InvalidOutflow(t *testing.T) {
	t.Parallel()

	workflow := testutil.AdderWorkflow()
	h := newHarness(t, workflow)
	execution := testutil.StartExecution(t, h.store, workflow, `{"x":5}`)

	assert.True(t, h.step(t))

	h.work(t, testutil.AdderTaskList, &models.TaskResponse{
		Status: models.TaskStatusSuccess,
		Result: json.RawMessage(`{"$outflow":3}`),
	})

	assert.True(t, h.step(t))
	assert.Equal(t, models.StateStopped, h.execution(t, execution.ExecutionID).State)
	assert.Contains(t, testutil.Events(t, h.store, execution.ExecutionID), models.EventWorkflowExecutionFailed)
	assert.NotContains(t, testutil.Events(t, h.store, execution.ExecutionID), models.EventWorkflowExecutionCompleted)
}

func TestDecider_ClientStopEndsPass(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	workflow := testutil.AdderWorkflow()
	h := newHarness(t, workflow)
	execution := testutil.StartExecution(t, h.store, workflow, `{"x":5}`)

	_, err := history.New(h.store.HistoryRepository()).Append(ctx, execution.ExecutionID, models.WorkflowStopped{})
	require.NoError(t, err)

	_, err = history.New(h.store.HistoryRepository()).Append(ctx, execution.ExecutionID, models.WorkflowSignalled{SignalName: "late"})
	require.NoError(t, err)

	assert.True(t, h.step(t))

	stopped := h.execution(t, execution.ExecutionID)
	assert.Equal(t, models.StateStopped, stopped.State)
	assert.Equal(t, int64(1), stopped.HistorySeen)
}

func TestDecider_MissingWorkflowStops(t *testing.T) {
	t.Parallel()

	workflow := testutil.AdderWorkflow()
	h := newHarness(t, testutil.AdderWorkflow(func(w *models.WorkflowDefinition) { w.Name = "other" }))
	execution := testutil.StartExecution(t, h.store, workflow, `{"x":5}`)

	assert.True(t, h.step(t))
	assert.Equal(t, models.StateStopped, h.execution(t, execution.ExecutionID).State)
}

func TestDecider_PublishesLifecycleEvents(t *testing.T) {
	t.Parallel()

	logger := log.Discard()
	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(logger, pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	received := make(chan events.EventType, 16)

	for _, eventType := range []events.EventType{
		events.TaskScheduledEvent, events.ExecutionCompletedEvent, events.ExecutionStoppedEvent,
	} {
		require.NoError(t, bus.Handle(eventType, func(_ context.Context, _ any) error {
			received <- eventType

			return nil
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, bus.Subscribe(ctx))

	workflow := testutil.AdderWorkflow()
	h := newHarness(t, workflow, decider.WithPublisher(bus))
	testutil.StartExecution(t, h.store, workflow, `{"x":5}`)

	assert.True(t, h.step(t))
	h.work(t, testutil.AdderTaskList, &models.TaskResponse{Status: models.TaskStatusSuccess})
	assert.True(t, h.step(t))

	seen := map[events.EventType]bool{}

	for len(seen) < 3 {
		select {
		case eventType := <-received:
			seen[eventType] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", seen)
		}
	}
}

func TestDecider_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.AdderWorkflow(), decider.WithIdleWait(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, h.decider.Run(ctx))
}
