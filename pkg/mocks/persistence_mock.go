package mocks

import (
	"context"

	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface. Repository
// accessors return whatever the expectation supplies.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) ExecutionRepository() persistence.ExecutionRepository {
	args := m.Called()

	return args.Get(0).(persistence.ExecutionRepository)
}

func (m *MockPersistence) HistoryRepository() persistence.HistoryRepository {
	args := m.Called()

	return args.Get(0).(persistence.HistoryRepository)
}

func (m *MockPersistence) TaskRepository() persistence.TaskRepository {
	args := m.Called()

	return args.Get(0).(persistence.TaskRepository)
}

func (m *MockPersistence) VariableRepository() persistence.VariableRepository {
	args := m.Called()

	return args.Get(0).(persistence.VariableRepository)
}

func (m *MockPersistence) DefinitionRepository() persistence.DefinitionRepository {
	args := m.Called()

	return args.Get(0).(persistence.DefinitionRepository)
}

func (m *MockPersistence) WithTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Persistence) error) error {
	args := m.Called(ctx, fn)

	return args.Error(0)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
