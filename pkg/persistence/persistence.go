// Package persistence provides the versioned store abstraction for executions, history,
// task lists, variables and definitions. Updates of executions and task list entries are
// compare-and-swap on their Version and fail with ErrConflict when the row changed.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/flowcore/pkg/models"
)

type Persistence interface {
	ExecutionRepository() ExecutionRepository
	HistoryRepository() HistoryRepository
	TaskRepository() TaskRepository
	VariableRepository() VariableRepository
	DefinitionRepository() DefinitionRepository

	// WithTx runs fn against a transactional view of the store. The view is committed when fn
	// returns nil and rolled back otherwise. Calling WithTx on a view reuses its transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Persistence) error) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, executionID string) (*models.Execution, error)
	// Update writes every mutable field when the stored Version matches and advances
	// execution.Version on success.
	Update(ctx context.Context, execution *models.Execution) error
	// NextAwaitingDecision returns the least recently seen decidable execution on the
	// decision list that is awaiting a decision, or nil.
	NextAwaitingDecision(ctx context.Context, decisionList string) (*models.Execution, error)
	ExpiredDeciderClaims(ctx context.Context, now time.Time) ([]*models.Execution, error)
	List(ctx context.Context, filter models.ExecutionFilter) ([]models.ExecutionSummary, error)
	// FinishedBefore returns executions whose terminal history event is older than cutoff.
	FinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// Purge deletes the execution with its variables, history and tasks.
	Purge(ctx context.Context, executionID string) error
}

type HistoryRepository interface {
	// Append assigns the next id of the execution's history to the event.
	Append(ctx context.Context, executionID string, eventType models.EventType, attributes json.RawMessage) (*models.HistoryEvent, error)
	Get(ctx context.Context, executionID string, id int64) (*models.HistoryEvent, error)
	// List returns events with id > afterID in id order; limit <= 0 returns all of them.
	List(ctx context.Context, executionID string, afterID int64, limit int) ([]*models.HistoryEvent, error)
	Count(ctx context.Context, executionID string) (int64, error)
	// FindSignal returns signalled events named signalName and scheduled events waiting on it.
	FindSignal(ctx context.Context, executionID, signalName string) ([]*models.HistoryEvent, error)
}

type TaskRepository interface {
	Create(ctx context.Context, task *models.TaskListEntry) error
	GetByToken(ctx context.Context, token string) (*models.TaskListEntry, error)
	// NextUnclaimed returns the unclaimed entry with the lowest (priority, scheduled time), or nil.
	NextUnclaimed(ctx context.Context, taskList string) (*models.TaskListEntry, error)
	Update(ctx context.Context, task *models.TaskListEntry) error
	// Delete removes the entry if its Version still matches.
	Delete(ctx context.Context, task *models.TaskListEntry) error
	ListByExecution(ctx context.Context, executionID string) ([]*models.TaskListEntry, error)
	// List returns enriched rows for one list, or for every list when taskList is empty.
	List(ctx context.Context, taskList string) ([]*models.TaskRow, error)
	Row(ctx context.Context, token string) (*models.TaskRow, error)
	TaskLists(ctx context.Context) ([]string, error)
	// Expired returns entries whose heartbeat alarm or task alarm is before now.
	Expired(ctx context.Context, now time.Time) ([]*models.TaskListEntry, error)
}

type VariableRepository interface {
	Set(ctx context.Context, executionID, name string, value json.RawMessage) error
	List(ctx context.Context, executionID string) ([]*models.Variable, error)
}

// DefinitionRepository stores workflow and activity definitions keyed by name and packed
// version. A nil version selects the latest.
type DefinitionRepository interface {
	Workflows(ctx context.Context) ([]models.DefinitionID, error)
	WorkflowVersions(ctx context.Context, name string) ([]models.DefinitionID, error)
	Workflow(ctx context.Context, name string, version *int64) (*models.WorkflowDefinition, error)
	SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error
	// DeleteWorkflow removes one version, or every version when version is nil.
	DeleteWorkflow(ctx context.Context, name string, version *int64) error

	Activities(ctx context.Context) ([]models.DefinitionID, error)
	ActivityVersions(ctx context.Context, name string) ([]models.DefinitionID, error)
	Activity(ctx context.Context, name string, version *int64) (*models.ActivityDefinition, error)
	SaveActivity(ctx context.Context, activity *models.ActivityDefinition) error

	// WorkflowConfig returns the version-specific config, falling back to the generic one.
	WorkflowConfig(ctx context.Context, name string, version int64) (*models.WorkflowConfig, error)
	SaveWorkflowConfig(ctx context.Context, config *models.WorkflowConfig) error
}
