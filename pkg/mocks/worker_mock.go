package mocks

import (
	"context"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockCapability is a mock implementation of worker.Capability interface.
type MockCapability struct {
	mock.Mock
}

func (m *MockCapability) Poll(ctx context.Context, taskList, workerID string) (*models.ActivityTask, error) {
	args := m.Called(ctx, taskList, workerID)

	task, _ := args.Get(0).(*models.ActivityTask)

	return task, args.Error(1)
}

func (m *MockCapability) Respond(ctx context.Context, token string, response *models.TaskResponse) (*models.HeartbeatResult, error) {
	args := m.Called(ctx, token, response)

	result, _ := args.Get(0).(*models.HeartbeatResult)

	return result, args.Error(1)
}

func (m *MockCapability) Signal(ctx context.Context, executionID string, signal *models.WorkflowSignalled) error {
	args := m.Called(ctx, executionID, signal)

	return args.Error(0)
}

func (m *MockCapability) Signals(ctx context.Context, executionID, signalName string) ([]*models.HistoryEvent, error) {
	args := m.Called(ctx, executionID, signalName)

	events, _ := args.Get(0).([]*models.HistoryEvent)

	return events, args.Error(1)
}
