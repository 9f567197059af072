package worker_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dukex/flowcore/pkg/mocks"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTask(engine worker.Capability, input string) *worker.Task {
	return worker.NewTask(&models.ActivityTask{
		ActivityName: "add",
		TaskToken:    "token-1",
		ExecutionID:  "exec-1",
		JobID:        "job-1",
		Input:        json.RawMessage(input),
	}, engine)
}

func withStatus(status models.TaskStatus) any {
	return mock.MatchedBy(func(r *models.TaskResponse) bool { return r.Status == status })
}

func TestTask_Helpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		call   func(ctx context.Context, task *worker.Task) error
		expect func(engine *mocks.MockCapability)
	}{
		{
			name:  "success responds",
			input: `{}`,
			call:  func(ctx context.Context, task *worker.Task) error { return task.Success(ctx, map[string]int{"sum": 8}) },
			expect: func(engine *mocks.MockCapability) {
				engine.On("Respond", mock.Anything, "token-1", mock.MatchedBy(func(r *models.TaskResponse) bool {
					return r.Status == models.TaskStatusSuccess && string(r.Result) == `{"sum":8}`
				})).Return(nil, nil).Once()
			},
		},
		{
			name:  "success without result sends an empty object",
			input: `{}`,
			call:  func(ctx context.Context, task *worker.Task) error { return task.Success(ctx, nil) },
			expect: func(engine *mocks.MockCapability) {
				engine.On("Respond", mock.Anything, "token-1", mock.MatchedBy(func(r *models.TaskResponse) bool {
					return string(r.Result) == `{}`
				})).Return(nil, nil).Once()
			},
		},
		{
			name:  "success signals",
			input: `{"signalName":"done"}`,
			call:  func(ctx context.Context, task *worker.Task) error { return task.Success(ctx, map[string]int{"sum": 8}) },
			expect: func(engine *mocks.MockCapability) {
				engine.On("Signal", mock.Anything, "exec-1", mock.MatchedBy(func(s *models.WorkflowSignalled) bool {
					return s.SignalName == "done" && s.Status == "success" && string(s.Result) == `{"sum":8}`
				})).Return(nil).Once()
			},
		},
		{
			name:  "failure responds",
			input: `{}`,
			call:  func(ctx context.Context, task *worker.Task) error { return task.Failure(ctx, "boom", map[string]string{"at": "A"}) },
			expect: func(engine *mocks.MockCapability) {
				engine.On("Respond", mock.Anything, "token-1", mock.MatchedBy(func(r *models.TaskResponse) bool {
					return r.Status == models.TaskStatusFailure && r.Reason == "boom" && string(r.Details) == `{"at":"A"}`
				})).Return(nil, nil).Once()
			},
		},
		{
			name:  "failure signals",
			input: `{"signalName":"done"}`,
			call:  func(ctx context.Context, task *worker.Task) error { return task.Failure(ctx, "boom", nil) },
			expect: func(engine *mocks.MockCapability) {
				engine.On("Signal", mock.Anything, "exec-1", mock.MatchedBy(func(s *models.WorkflowSignalled) bool {
					return s.Status == "failure" && s.Reason == "boom"
				})).Return(nil).Once()
			},
		},
		{
			name:  "cancelled responds",
			input: `{}`,
			call:  func(ctx context.Context, task *worker.Task) error { return task.Cancelled(ctx) },
			expect: func(engine *mocks.MockCapability) {
				engine.On("Respond", mock.Anything, "token-1", withStatus(models.TaskStatusCancelled)).Return(nil, nil).Once()
			},
		},
		{
			name:  "cancelled signals",
			input: `{"signalName":"done"}`,
			call:  func(ctx context.Context, task *worker.Task) error { return task.Cancelled(ctx) },
			expect: func(engine *mocks.MockCapability) {
				engine.On("Signal", mock.Anything, "exec-1", mock.MatchedBy(func(s *models.WorkflowSignalled) bool {
					return s.Status == "cancelled"
				})).Return(nil).Once()
			},
		},
		{
			name:  "unencodable result fails the task",
			input: `{}`,
			call:  func(ctx context.Context, task *worker.Task) error { return task.Success(ctx, make(chan int)) },
			expect: func(engine *mocks.MockCapability) {
				engine.On("Respond", mock.Anything, "token-1", mock.MatchedBy(func(r *models.TaskResponse) bool {
					return r.Status == models.TaskStatusFailure && r.Reason == "Invalid JSON response object"
				})).Return(nil, nil).Once()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine := &mocks.MockCapability{}
			tt.expect(engine)

			require.NoError(t, tt.call(t.Context(), newTask(engine, tt.input)))
			engine.AssertExpectations(t)
		})
	}
}

func TestTask_Heartbeat(t *testing.T) {
	t.Parallel()

	engine := &mocks.MockCapability{}
	engine.On("Respond", mock.Anything, "token-1", mock.MatchedBy(func(r *models.TaskResponse) bool {
		return r.Status == models.TaskStatusHeartbeat && *r.Progress == 40 && r.ProgressMessage == "halfway"
	})).Return(&models.HeartbeatResult{CancellationRequested: true}, nil).Once()

	progress := 40

	cancelled, err := newTask(engine, `{}`).Heartbeat(t.Context(), &progress, "halfway")
	require.NoError(t, err)
	assert.True(t, cancelled)
	engine.AssertExpectations(t)
}

func TestTask_Input(t *testing.T) {
	t.Parallel()

	task := newTask(nil, `{"x":5,"a.b":"dotted","nested":{"y":2}}`)

	assert.Equal(t, int64(5), task.Input("x").Int())
	assert.Equal(t, "dotted", task.Input("a.b").String())
	assert.False(t, task.Input("missing").Exists())
	assert.JSONEq(t, `{"y":2}`, task.Input("nested").Raw)
}
