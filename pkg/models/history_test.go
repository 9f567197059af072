package models_test

import (
	"encoding/json"
	"testing"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		eventType models.EventType
		raw       string
		validate  func(t *testing.T, event models.Event)
	}{
		{
			name:      "task completed",
			eventType: models.EventActivityTaskCompleted,
			raw:       `{"result":{"sum":8},"schedulingEventId":3}`,
			validate: func(t *testing.T, event models.Event) {
				t.Helper()

				completed, ok := event.(*models.ActivityTaskCompleted)
				require.True(t, ok)
				assert.Equal(t, int64(3), completed.SchedulingEventID)
				assert.JSONEq(t, `{"sum":8}`, string(completed.Result))
			},
		},
		{
			name:      "timed out",
			eventType: models.EventActivityTaskTimedOut,
			raw:       `{"schedulingEventId":7,"heartbeatMissed":true}`,
			validate: func(t *testing.T, event models.Event) {
				t.Helper()

				timedOut, ok := event.(*models.ActivityTaskTimedOut)
				require.True(t, ok)
				assert.Equal(t, int64(7), timedOut.SchedulingEventID)
				assert.True(t, timedOut.HeartbeatMissed)
			},
		},
		{
			name:      "empty payload",
			eventType: models.EventWorkflowStopped,
			raw:       ``,
			validate: func(t *testing.T, event models.Event) {
				t.Helper()

				_, ok := event.(*models.WorkflowStopped)
				assert.True(t, ok)
			},
		},
		{
			name:      "signal",
			eventType: models.EventWorkflowSignalled,
			raw:       `{"signalName":"approved","status":"success","result":{"ok":true}}`,
			validate: func(t *testing.T, event models.Event) {
				t.Helper()

				signal, ok := event.(*models.WorkflowSignalled)
				require.True(t, ok)
				assert.Equal(t, "approved", signal.SignalName)
				assert.Equal(t, "success", signal.Status)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			event, err := models.DecodeEvent(tt.eventType, []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.eventType, event.EventType())
			tt.validate(t, event)
		})
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	t.Parallel()

	_, err := models.DecodeEvent("SomethingElse", []byte(`{}`))
	require.ErrorIs(t, err, models.ErrUnknownEventType)

	_, err = models.DecodeEvent(models.EventActivityTaskFailed, []byte(`{"reason":`))
	require.Error(t, err)
}

func TestEncodeEvent(t *testing.T) {
	t.Parallel()

	eventType, raw, err := models.EncodeEvent(models.ActivityTaskStarted{WorkerID: "w1", ScheduledEventID: 4})
	require.NoError(t, err)
	assert.Equal(t, models.EventActivityTaskStarted, eventType)
	assert.JSONEq(t, `{"workerId":"w1","scheduledEventId":4}`, string(raw))

	entry := models.HistoryEvent{EventType: eventType, Attributes: raw}
	decoded, err := entry.Decode()
	require.NoError(t, err)

	started, ok := decoded.(*models.ActivityTaskStarted)
	require.True(t, ok)
	assert.Equal(t, "w1", started.WorkerID)
}

func TestWorkflowDefinition_Graph(t *testing.T) {
	t.Parallel()

	var wf models.WorkflowDefinition

	err := json.Unmarshal([]byte(`{
		"name": "adder",
		"version": "1.0",
		"tasks": [
			{"taskId": "s", "activityName": "start", "activityVersion": "1.0", "outflows": [{"name": "Out", "target": "add"}]},
			{"taskId": "add", "activityName": "add", "activityVersion": "1.0", "outflows": [{"name": "Out", "target": "end"}, {"name": "Error", "target": "end"}]},
			{"taskId": "end", "activityName": "end", "activityVersion": "1.0"}
		]
	}`), &wf)
	require.NoError(t, err)

	entry, err := wf.EntryTask(models.StartActivityName)
	require.NoError(t, err)
	assert.Equal(t, "add", entry.TaskID)
	assert.Equal(t, []string{"Out", "Error"}, entry.OutflowNames())

	next, err := wf.Follow(entry, "Out")
	require.NoError(t, err)
	assert.True(t, next.Terminal())

	_, err = wf.Follow(entry, "Missing")
	require.ErrorIs(t, err, models.ErrOutflowNotDefined)

	_, err = wf.EntryTask(models.CleanupActivityName)
	require.ErrorIs(t, err, models.ErrTaskNotDefined)

	assert.Equal(t, models.DefaultDecisionList, wf.EffectiveDecisionList())
}
