package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/version"
)

type taskRepository struct {
	p *Persistence
}

func cloneTask(t *models.TaskListEntry) *models.TaskListEntry {
	c := *t
	c.StartedAt = cloneTime(t.StartedAt)
	c.HeartbeatAlarm = cloneTime(t.HeartbeatAlarm)
	c.HeartbeatTimeout = cloneInt(t.HeartbeatTimeout)
	c.ScheduleToCloseTimeout = cloneInt(t.ScheduleToCloseTimeout)
	c.StartToCloseTimeout = cloneInt(t.StartToCloseTimeout)
	c.Progress = cloneInt(t.Progress)
	c.NotificationData = append(json.RawMessage(nil), t.NotificationData...)
	c.ProgressData = append(json.RawMessage(nil), t.ProgressData...)

	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}

	c := *v

	return &c
}

func byPriority(tasks []*models.TaskListEntry) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}

		return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt)
	})
}

func (r *taskRepository) Create(_ context.Context, task *models.TaskListEntry) error {
	defer r.p.lock()()

	st := r.p.s.state
	if _, ok := st.tasks[task.TaskToken]; ok {
		return persistence.NewTaskError("Create", task.TaskToken, persistence.ErrConflict)
	}

	task.Version = 1
	st.tasks[task.TaskToken] = cloneTask(task)

	return nil
}

func (r *taskRepository) GetByToken(_ context.Context, token string) (*models.TaskListEntry, error) {
	defer r.p.lock()()

	task, ok := r.p.s.state.tasks[token]
	if !ok {
		return nil, persistence.NewTaskError("GetByToken", token, persistence.ErrTaskNotFound)
	}

	return cloneTask(task), nil
}

func (r *taskRepository) NextUnclaimed(_ context.Context, taskList string) (*models.TaskListEntry, error) {
	defer r.p.lock()()

	candidates := make([]*models.TaskListEntry, 0)

	for _, task := range r.p.s.state.tasks {
		if task.TaskList == taskList && !task.Claimed() {
			candidates = append(candidates, task)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	byPriority(candidates)

	return cloneTask(candidates[0]), nil
}

func (r *taskRepository) swap(op string, task *models.TaskListEntry) error {
	stored, ok := r.p.s.state.tasks[task.TaskToken]
	if !ok {
		return persistence.NewTaskError(op, task.TaskToken, persistence.ErrTaskNotFound)
	}

	if stored.Version != task.Version {
		return persistence.NewTaskError(op, task.TaskToken, persistence.ErrConflict)
	}

	return nil
}

func (r *taskRepository) Update(_ context.Context, task *models.TaskListEntry) error {
	defer r.p.lock()()

	err := r.swap("Update", task)
	if err != nil {
		return err
	}

	task.Version++
	r.p.s.state.tasks[task.TaskToken] = cloneTask(task)

	return nil
}

func (r *taskRepository) Delete(_ context.Context, task *models.TaskListEntry) error {
	defer r.p.lock()()

	err := r.swap("Delete", task)
	if err != nil {
		return err
	}

	delete(r.p.s.state.tasks, task.TaskToken)

	return nil
}

func (r *taskRepository) ListByExecution(_ context.Context, executionID string) ([]*models.TaskListEntry, error) {
	defer r.p.lock()()

	return r.filter(func(task *models.TaskListEntry) bool {
		return task.ExecutionID == executionID
	}), nil
}

func (r *taskRepository) Expired(_ context.Context, now time.Time) ([]*models.TaskListEntry, error) {
	defer r.p.lock()()

	return r.filter(func(task *models.TaskListEntry) bool {
		return task.TaskAlarm.Before(now) || (task.HeartbeatAlarm != nil && task.HeartbeatAlarm.Before(now))
	}), nil
}

func (r *taskRepository) filter(keep func(*models.TaskListEntry) bool) []*models.TaskListEntry {
	tasks := make([]*models.TaskListEntry, 0)

	for _, task := range r.p.s.state.tasks {
		if keep(task) {
			tasks = append(tasks, cloneTask(task))
		}
	}

	byPriority(tasks)

	return tasks
}

func (r *taskRepository) List(_ context.Context, taskList string) ([]*models.TaskRow, error) {
	defer r.p.lock()()

	tasks := r.filter(func(task *models.TaskListEntry) bool {
		return taskList == "" || task.TaskList == taskList
	})

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].TaskList < tasks[j].TaskList
	})

	rows := make([]*models.TaskRow, 0, len(tasks))

	for _, task := range tasks {
		row, ok := r.row(task)
		if ok {
			rows = append(rows, row)
		}
	}

	return rows, nil
}

func (r *taskRepository) Row(_ context.Context, token string) (*models.TaskRow, error) {
	defer r.p.lock()()

	task, ok := r.p.s.state.tasks[token]
	if ok {
		row, ok := r.row(cloneTask(task))
		if ok {
			return row, nil
		}
	}

	return nil, persistence.NewTaskError("Row", token, persistence.ErrTaskNotFound)
}

// row joins a task with its execution and scheduling event; ok is false when the execution is gone.
func (r *taskRepository) row(task *models.TaskListEntry) (*models.TaskRow, bool) {
	st := r.p.s.state

	execution, ok := st.executions[task.ExecutionID]
	if !ok {
		return nil, false
	}

	decoded, err := version.Decode(execution.WorkflowVersion)
	if err != nil {
		return nil, false
	}

	row := &models.TaskRow{
		TaskListEntry:   *task,
		WorkflowName:    execution.WorkflowName,
		WorkflowVersion: decoded,
	}

	for _, event := range st.history[task.ExecutionID] {
		if event.ID == task.ScheduledEventID {
			copied := *event
			row.SchedulingEvent = &copied

			break
		}
	}

	return row, true
}

func (r *taskRepository) TaskLists(_ context.Context) ([]string, error) {
	defer r.p.lock()()

	seen := make(map[string]struct{})
	lists := make([]string, 0)

	for _, task := range r.p.s.state.tasks {
		if _, ok := seen[task.TaskList]; !ok {
			seen[task.TaskList] = struct{}{}
			lists = append(lists, task.TaskList)
		}
	}

	sort.Strings(lists)

	return lists, nil
}
