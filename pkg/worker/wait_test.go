package worker_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/flowcore/pkg/log"
	"github.com/dukex/flowcore/pkg/mocks"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/worker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func signalled(id int64, attributes string) *models.HistoryEvent {
	return &models.HistoryEvent{
		ExecutionID: "exec-1",
		ID:          id,
		EventType:   models.EventWorkflowSignalled,
		Attributes:  json.RawMessage(attributes),
	}
}

func TestWait_MirrorsSignal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		signal   string
		response func(r *models.TaskResponse) bool
	}{
		{
			name:   "success",
			signal: `{"signalName":"approved","status":"success","result":{"ok":true}}`,
			response: func(r *models.TaskResponse) bool {
				return r.Status == models.TaskStatusSuccess && string(r.Result) == `{"ok":true}`
			},
		},
		{
			name:   "failure",
			signal: `{"signalName":"approved","status":"failure","reason":"rejected","details":{"by":"ops"}}`,
			response: func(r *models.TaskResponse) bool {
				return r.Status == models.TaskStatusFailure && r.Reason == "rejected" && string(r.Details) == `{"by":"ops"}`
			},
		},
		{
			name:   "cancelled",
			signal: `{"signalName":"approved","status":"cancelled"}`,
			response: func(r *models.TaskResponse) bool {
				return r.Status == models.TaskStatusCancelled
			},
		},
		{
			name:   "unknown status",
			signal: `{"signalName":"approved","status":"maybe"}`,
			response: func(r *models.TaskResponse) bool {
				return r.Status == models.TaskStatusFailure && r.Reason == "Invalid signal status - maybe"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			scheduled := &models.HistoryEvent{
				ExecutionID: "exec-1",
				ID:          2,
				EventType:   models.EventActivityTaskScheduled,
				Attributes:  json.RawMessage(`{"asyncSignal":"approved"}`),
			}

			engine := &mocks.MockCapability{}
			engine.On("Signals", mock.Anything, "exec-1", "approved").
				Return([]*models.HistoryEvent{scheduled}, nil).Once()
			engine.On("Signals", mock.Anything, "exec-1", "approved").
				Return([]*models.HistoryEvent{scheduled, signalled(5, tt.signal)}, nil).Once()
			engine.On("Respond", mock.Anything, "token-1", mock.MatchedBy(tt.response)).Return(nil, nil).Once()

			handler := worker.Wait{Logger: log.Discard(), Unit: time.Millisecond}

			err := handler.Handle(t.Context(), newTask(engine, `{"signalName":"approved","pollRate":1}`))
			require.NoError(t, err)
			engine.AssertExpectations(t)
		})
	}
}

func TestWait_RequiresSignalName(t *testing.T) {
	t.Parallel()

	engine := &mocks.MockCapability{}
	engine.On("Respond", mock.Anything, "token-1", mock.MatchedBy(func(r *models.TaskResponse) bool {
		return r.Status == models.TaskStatusFailure && r.Reason == "Missing required signal name"
	})).Return(nil, nil).Once()

	err := worker.Wait{Logger: log.Discard()}.Handle(t.Context(), newTask(engine, `{}`))
	require.NoError(t, err)
	engine.AssertExpectations(t)
}
