package worker_test

import (
	"encoding/json"
	"testing"

	"github.com/dukex/flowcore/pkg/log"
	"github.com/dukex/flowcore/pkg/mocks"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestOverallProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		progress int
		data     string
		want     int
	}{
		{"first of two stages", 50, `{"stage":1,"stages":2}`, 25},
		{"second of two stages", 50, `{"stage":2,"stages":2}`, 75},
		{"last stage done", 100, `{"stage":4,"stages":4}`, 100},
		{"no progress data", 50, ``, -1},
		{"missing stages", 50, `{"stage":1}`, -1},
		{"zero stages", 50, `{"stage":1,"stages":0}`, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, worker.OverallProgress(tt.progress, json.RawMessage(tt.data)))
		})
	}
}

func TestUpdater_Activities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		activity string
		status   models.TaskStatus
	}{
		{worker.JobCompleteActivity, models.TaskStatusSuccess},
		{worker.JobFailedActivity, models.TaskStatusSuccess},
		{worker.JobCancelledActivity, models.TaskStatusSuccess},
		{"transcode", models.TaskStatusFailure},
	}

	for _, tt := range tests {
		t.Run(tt.activity, func(t *testing.T) {
			t.Parallel()

			engine := &mocks.MockCapability{}
			engine.On("Respond", mock.Anything, "token-1", withStatus(tt.status)).Return(nil, nil).Once()

			task := newTask(engine, `{"destination":"s3://out"}`)
			task.ActivityName = tt.activity

			require.NoError(t, worker.Updater{Logger: log.Discard()}.Handle(t.Context(), task))
			engine.AssertExpectations(t)
		})
	}
}

func TestUpdater_NotificationsAreNotAnswered(t *testing.T) {
	t.Parallel()

	engine := &mocks.MockCapability{}

	for _, input := range []string{
		`{"type":"ActivityTaskHeartbeat","progress":50,"progressData":{"stage":1,"stages":2}}`,
		`{"type":"WorkflowExecutionFailedEvent","reason":"boom"}`,
		`{"type":"Unknown"}`,
	} {
		task := newTask(engine, input)
		task.ActivityName = models.NotifyActivityName

		require.NoError(t, worker.Updater{Logger: log.Discard()}.HandleNotification(t.Context(), task))
	}

	engine.AssertNotCalled(t, "Respond", mock.Anything, mock.Anything, mock.Anything)
}
