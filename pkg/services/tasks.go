package services

import (
	"context"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
)

// TaskLists reads the outstanding work of every queue.
type TaskLists struct {
	store persistence.Persistence
}

func NewTaskLists(store persistence.Persistence) *TaskLists {
	return &TaskLists{store: store}
}

// Names returns the distinct task list names holding work.
func (t *TaskLists) Names(ctx context.Context) ([]string, error) {
	names, err := t.store.TaskRepository().TaskLists(ctx)

	return names, wrap("ListTaskLists", err)
}

func (t *TaskLists) Tasks(ctx context.Context, taskList string) ([]*models.TaskRow, error) {
	rows, err := t.store.TaskRepository().List(ctx, taskList)

	return rows, wrap("ListTasks", err)
}

func (t *TaskLists) Task(ctx context.Context, token string) (*models.TaskRow, error) {
	row, err := t.store.TaskRepository().Row(ctx, token)
	if err != nil {
		return nil, wrap("GetTask", err)
	}

	return row, nil
}
