package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/version"
)

const taskColumns = `
			t.task_token
		  , t.execution_id
		  , t.job_id
		  , t.task_list
		  , t.scheduled_event_id
		  , t.priority
		  , t.worker_id
		  , t.scheduled_at
		  , t.started_at
		  , t.heartbeat_timeout
		  , t.heartbeat_alarm
		  , t.schedule_to_close_timeout
		  , t.start_to_close_timeout
		  , t.task_alarm
		  , t.cancelling
		  , t.progress
		  , t.progress_message
		  , t.notification_data
		  , t.progress_data
		  , t.version`

// TaskRepository handles task list entries.
type TaskRepository struct {
	db     querier
	logger *slog.Logger
}

func NewTaskRepository(db querier, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

func (r *TaskRepository) Create(ctx context.Context, task *models.TaskListEntry) error {
	query := `
		INSERT INTO task_list (
			task_token
		  , execution_id
		  , job_id
		  , task_list
		  , scheduled_event_id
		  , priority
		  , worker_id
		  , scheduled_at
		  , started_at
		  , heartbeat_timeout
		  , heartbeat_alarm
		  , schedule_to_close_timeout
		  , start_to_close_timeout
		  , task_alarm
		  , cancelling
		  , progress
		  , progress_message
		  , notification_data
		  , progress_data
		  , version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, 1)
	`

	_, err := r.db.ExecContext(ctx, query,
		task.TaskToken,
		task.ExecutionID,
		task.JobID,
		task.TaskList,
		task.ScheduledEventID,
		task.Priority,
		nullString(task.WorkerID),
		task.ScheduledAt,
		nullTime(task.StartedAt),
		nullInt(task.HeartbeatTimeout),
		nullTime(task.HeartbeatAlarm),
		nullInt(task.ScheduleToCloseTimeout),
		nullInt(task.StartToCloseTimeout),
		task.TaskAlarm,
		task.Cancelling,
		nullInt(task.Progress),
		task.ProgressMessage,
		nullJSON(task.NotificationData),
		nullJSON(task.ProgressData),
	)
	if err != nil {
		return persistence.NewTaskError("Create", task.TaskToken, err)
	}

	task.Version = 1

	return nil
}

func (r *TaskRepository) GetByToken(ctx context.Context, token string) (*models.TaskListEntry, error) {
	query := `SELECT ` + taskColumns + `
		FROM task_list t
		WHERE t.task_token = $1
	`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTaskError("GetByToken", token, persistence.ErrTaskNotFound)
		}

		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	return task, nil
}

func (r *TaskRepository) NextUnclaimed(ctx context.Context, taskList string) (*models.TaskListEntry, error) {
	query := `SELECT ` + taskColumns + `
		FROM task_list t
		WHERE t.task_list = $1 AND t.worker_id IS NULL
		ORDER BY t.priority, t.scheduled_at
		LIMIT 1
	`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, taskList))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to select unclaimed task: %w", err)
	}

	return task, nil
}

// Update is a compare-and-swap on the version column.
func (r *TaskRepository) Update(ctx context.Context, task *models.TaskListEntry) error {
	query := `
		UPDATE task_list SET
			worker_id = $3
		  , scheduled_at = $4
		  , started_at = $5
		  , heartbeat_alarm = $6
		  , task_alarm = $7
		  , cancelling = $8
		  , progress = $9
		  , progress_message = $10
		  , progress_data = $11
		  , version = version + 1
		WHERE task_token = $1 AND version = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		task.TaskToken,
		task.Version,
		nullString(task.WorkerID),
		task.ScheduledAt,
		nullTime(task.StartedAt),
		nullTime(task.HeartbeatAlarm),
		task.TaskAlarm,
		task.Cancelling,
		nullInt(task.Progress),
		task.ProgressMessage,
		nullJSON(task.ProgressData),
	)
	if err != nil {
		return persistence.NewTaskError("Update", task.TaskToken, err)
	}

	err = r.checkSwap(ctx, "Update", task.TaskToken, result)
	if err != nil {
		return err
	}

	task.Version++

	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, task *models.TaskListEntry) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM task_list WHERE task_token = $1 AND version = $2", task.TaskToken, task.Version)
	if err != nil {
		return persistence.NewTaskError("Delete", task.TaskToken, err)
	}

	return r.checkSwap(ctx, "Delete", task.TaskToken, result)
}

func (r *TaskRepository) checkSwap(ctx context.Context, op, token string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM task_list WHERE task_token = $1)", token).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}

	if !exists {
		return persistence.NewTaskError(op, token, persistence.ErrTaskNotFound)
	}

	return persistence.NewTaskError(op, token, persistence.ErrConflict)
}

func (r *TaskRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.TaskListEntry, error) {
	query := `SELECT ` + taskColumns + `
		FROM task_list t
		WHERE t.execution_id = $1
		ORDER BY t.priority, t.scheduled_at
	`

	return r.queryTasks(ctx, query, executionID)
}

func (r *TaskRepository) Expired(ctx context.Context, now time.Time) ([]*models.TaskListEntry, error) {
	query := `SELECT ` + taskColumns + `
		FROM task_list t
		WHERE t.heartbeat_alarm < $1 OR t.task_alarm < $1
	`

	return r.queryTasks(ctx, query, now)
}

func (r *TaskRepository) List(ctx context.Context, taskList string) ([]*models.TaskRow, error) {
	query := `SELECT ` + taskColumns + `
		  , e.workflow_name
		  , e.workflow_version
		  , h.id
		  , h.event_type
		  , h.timestamp
		  , h.attributes
		FROM task_list t
		JOIN executions e ON e.execution_id = t.execution_id
		LEFT JOIN history h ON h.execution_id = t.execution_id AND h.id = t.scheduled_event_id
		WHERE ($1 = '' OR t.task_list = $1)
		ORDER BY t.task_list, t.priority, t.scheduled_at
	`

	rows, err := r.db.QueryContext(ctx, query, taskList)
	if err != nil {
		return nil, fmt.Errorf("failed to query task rows: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	result := make([]*models.TaskRow, 0)

	for rows.Next() {
		row, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}

		result = append(result, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return result, nil
}

func (r *TaskRepository) Row(ctx context.Context, token string) (*models.TaskRow, error) {
	query := `SELECT ` + taskColumns + `
		  , e.workflow_name
		  , e.workflow_version
		  , h.id
		  , h.event_type
		  , h.timestamp
		  , h.attributes
		FROM task_list t
		JOIN executions e ON e.execution_id = t.execution_id
		LEFT JOIN history h ON h.execution_id = t.execution_id AND h.id = t.scheduled_event_id
		WHERE t.task_token = $1
	`

	row, err := scanTaskRow(r.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTaskError("Row", token, persistence.ErrTaskNotFound)
		}

		return nil, fmt.Errorf("failed to scan task row: %w", err)
	}

	return row, nil
}

func (r *TaskRepository) TaskLists(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT task_list FROM task_list ORDER BY task_list")
	if err != nil {
		return nil, fmt.Errorf("failed to query task lists: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	lists := make([]string, 0)

	for rows.Next() {
		var list string

		err := rows.Scan(&list)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task list: %w", err)
		}

		lists = append(lists, list)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating task lists: %w", err)
	}

	return lists, nil
}

func (r *TaskRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*models.TaskListEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	tasks := make([]*models.TaskListEntry, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

type taskScan struct {
	task           models.TaskListEntry
	workerID       sql.NullString
	startedAt      sql.NullTime
	heartbeatAlarm sql.NullTime
	hbTimeout      sql.NullInt64
	s2cTimeout     sql.NullInt64
	start2cTimeout sql.NullInt64
	progress       sql.NullInt64
	notification   []byte
	progressData   []byte
}

func (s *taskScan) dest() []any {
	return []any{
		&s.task.TaskToken,
		&s.task.ExecutionID,
		&s.task.JobID,
		&s.task.TaskList,
		&s.task.ScheduledEventID,
		&s.task.Priority,
		&s.workerID,
		&s.task.ScheduledAt,
		&s.startedAt,
		&s.hbTimeout,
		&s.heartbeatAlarm,
		&s.s2cTimeout,
		&s.start2cTimeout,
		&s.task.TaskAlarm,
		&s.task.Cancelling,
		&s.progress,
		&s.task.ProgressMessage,
		&s.notification,
		&s.progressData,
		&s.task.Version,
	}
}

func (s *taskScan) entry() *models.TaskListEntry {
	task := s.task
	task.WorkerID = s.workerID.String
	task.ScheduledAt = task.ScheduledAt.UTC()
	task.StartedAt = timePtr(s.startedAt)
	task.HeartbeatTimeout = intPtr(s.hbTimeout)
	task.HeartbeatAlarm = timePtr(s.heartbeatAlarm)
	task.ScheduleToCloseTimeout = intPtr(s.s2cTimeout)
	task.StartToCloseTimeout = intPtr(s.start2cTimeout)
	task.TaskAlarm = task.TaskAlarm.UTC()
	task.Progress = intPtr(s.progress)
	task.NotificationData = rawJSON(s.notification)
	task.ProgressData = rawJSON(s.progressData)

	return &task
}

func scanTask(row scanner) (*models.TaskListEntry, error) {
	var s taskScan

	err := row.Scan(s.dest()...)
	if err != nil {
		return nil, err
	}

	return s.entry(), nil
}

func scanTaskRow(row scanner) (*models.TaskRow, error) {
	var (
		s               taskScan
		workflowName    string
		workflowVersion int64
		eventID         sql.NullInt64
		eventType       sql.NullString
		eventTimestamp  sql.NullTime
		eventAttributes []byte
	)

	dest := append(s.dest(), &workflowName, &workflowVersion, &eventID, &eventType, &eventTimestamp, &eventAttributes)

	err := row.Scan(dest...)
	if err != nil {
		return nil, err
	}

	decoded, err := version.Decode(workflowVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow version: %w", err)
	}

	taskRow := &models.TaskRow{
		TaskListEntry:   *s.entry(),
		WorkflowName:    workflowName,
		WorkflowVersion: decoded,
	}

	if eventID.Valid {
		taskRow.SchedulingEvent = &models.HistoryEvent{
			ExecutionID: taskRow.ExecutionID,
			ID:          eventID.Int64,
			EventType:   models.EventType(eventType.String),
			Timestamp:   eventTimestamp.Time.UTC(),
			Attributes:  rawJSON(eventAttributes),
		}
	}

	return taskRow, nil
}
