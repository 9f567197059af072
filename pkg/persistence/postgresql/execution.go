package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/lib/pq"
)

const executionColumns = `
			execution_id
		  , job_id
		  , workflow_name
		  , workflow_version
		  , decision_list
		  , state
		  , awaiting_decision
		  , decider_token
		  , decider_alarm
		  , history_seen
		  , last_seen
		  , execution_start_to_close_timeout
		  , task_schedule_to_close_timeout
		  , task_schedule_to_start_timeout
		  , task_start_to_close_timeout
		  , version`

// ExecutionRepository handles execution rows.
type ExecutionRepository struct {
	db     querier
	logger *slog.Logger
}

func NewExecutionRepository(db querier, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	query := `
		INSERT INTO executions (
			execution_id
		  , job_id
		  , workflow_name
		  , workflow_version
		  , decision_list
		  , state
		  , awaiting_decision
		  , decider_token
		  , decider_alarm
		  , history_seen
		  , last_seen
		  , execution_start_to_close_timeout
		  , task_schedule_to_close_timeout
		  , task_schedule_to_start_timeout
		  , task_start_to_close_timeout
		  , version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)
	`

	_, err := r.db.ExecContext(ctx, query,
		execution.ExecutionID,
		execution.JobID,
		execution.WorkflowName,
		execution.WorkflowVersion,
		execution.DecisionList,
		string(execution.State),
		execution.AwaitingDecision,
		nullString(execution.DeciderToken),
		nullTime(execution.DeciderAlarm),
		execution.HistorySeen,
		execution.LastSeen,
		nullInt(execution.ExecutionStartToCloseTimeout),
		nullInt(execution.TaskScheduleToCloseTimeout),
		nullInt(execution.TaskScheduleToStartTimeout),
		nullInt(execution.TaskStartToCloseTimeout),
	)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ExecutionID, err)
	}

	execution.Version = 1

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, executionID string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE execution_id = $1
	`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, executionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", executionID, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// Update is a compare-and-swap on the version column.
func (r *ExecutionRepository) Update(ctx context.Context, execution *models.Execution) error {
	query := `
		UPDATE executions SET
			job_id = $3
		  , decision_list = $4
		  , state = $5
		  , awaiting_decision = $6
		  , decider_token = $7
		  , decider_alarm = $8
		  , history_seen = $9
		  , last_seen = $10
		  , execution_start_to_close_timeout = $11
		  , task_schedule_to_close_timeout = $12
		  , task_schedule_to_start_timeout = $13
		  , task_start_to_close_timeout = $14
		  , version = version + 1
		WHERE execution_id = $1 AND version = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ExecutionID,
		execution.Version,
		execution.JobID,
		execution.DecisionList,
		string(execution.State),
		execution.AwaitingDecision,
		nullString(execution.DeciderToken),
		nullTime(execution.DeciderAlarm),
		execution.HistorySeen,
		execution.LastSeen,
		nullInt(execution.ExecutionStartToCloseTimeout),
		nullInt(execution.TaskScheduleToCloseTimeout),
		nullInt(execution.TaskScheduleToStartTimeout),
		nullInt(execution.TaskStartToCloseTimeout),
	)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ExecutionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		var exists bool

		err = r.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM executions WHERE execution_id = $1)", execution.ExecutionID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check execution existence: %w", err)
		}

		if !exists {
			return persistence.NewExecutionError("Update", execution.ExecutionID, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError("Update", execution.ExecutionID, persistence.ErrConflict)
	}

	execution.Version++

	return nil
}

func (r *ExecutionRepository) NextAwaitingDecision(ctx context.Context, decisionList string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE decision_list = $1
		  AND awaiting_decision
		  AND decider_token IS NULL
		  AND state IN ('running', 'cleanup')
		ORDER BY last_seen
		LIMIT 1
	`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, decisionList))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to select execution awaiting decision: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ExpiredDeciderClaims(ctx context.Context, now time.Time) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE decider_token IS NOT NULL
		  AND decider_alarm < $1
	`

	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired decider claims: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// List orders executions by the timestamp of their started event.
func (r *ExecutionRepository) List(ctx context.Context, filter models.ExecutionFilter) ([]models.ExecutionSummary, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)

	where := func(clause string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}

	if filter.JobID != "" {
		where("e.job_id = ?", filter.JobID)
	}

	if filter.Workflow != "" {
		where("e.workflow_name = ?", filter.Workflow)
	}

	if filter.State != "" {
		where("e.state = ?", string(filter.State))
	}

	if filter.After != nil {
		where("h.timestamp > ?", *filter.After)
	}

	query := `
		SELECT
			e.execution_id
		  , e.job_id
		  , h.timestamp
		FROM executions e
		JOIN history h ON h.execution_id = e.execution_id AND h.id = 1
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY h.timestamp"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	summaries := make([]models.ExecutionSummary, 0)

	for rows.Next() {
		var summary models.ExecutionSummary

		err := rows.Scan(&summary.ExecutionID, &summary.JobID, &summary.Started)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution summary: %w", err)
		}

		summary.Started = summary.Started.UTC()
		summaries = append(summaries, summary)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return summaries, nil
}

func (r *ExecutionRepository) FinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	terminal := make([]string, 0, len(models.TerminalEventTypes))
	for _, eventType := range models.TerminalEventTypes {
		terminal = append(terminal, string(eventType))
	}

	query := `
		SELECT DISTINCT execution_id
		FROM history
		WHERE event_type = ANY($1)
		  AND timestamp < $2
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(terminal), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query finished executions: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	ids := make([]string, 0)

	for rows.Next() {
		var id string

		err := rows.Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}

		ids = append(ids, id)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating finished executions: %w", err)
	}

	return ids, nil
}

func (r *ExecutionRepository) Purge(ctx context.Context, executionID string) error {
	for _, query := range []string{
		"DELETE FROM variables WHERE execution_id = $1",
		"DELETE FROM history WHERE execution_id = $1",
		"DELETE FROM task_list WHERE execution_id = $1",
		"DELETE FROM executions WHERE execution_id = $1",
	} {
		_, err := r.db.ExecContext(ctx, query, executionID)
		if err != nil {
			return persistence.NewExecutionError("Purge", executionID, err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution    models.Execution
		state        string
		deciderToken sql.NullString
		deciderAlarm sql.NullTime
	)

	var executionS2C, taskS2C, taskS2S, taskStart2C sql.NullInt64

	err := row.Scan(
		&execution.ExecutionID,
		&execution.JobID,
		&execution.WorkflowName,
		&execution.WorkflowVersion,
		&execution.DecisionList,
		&state,
		&execution.AwaitingDecision,
		&deciderToken,
		&deciderAlarm,
		&execution.HistorySeen,
		&execution.LastSeen,
		&executionS2C,
		&taskS2C,
		&taskS2S,
		&taskStart2C,
		&execution.Version,
	)
	if err != nil {
		return nil, err
	}

	execution.State = models.ExState(state)
	execution.DeciderToken = deciderToken.String
	execution.DeciderAlarm = timePtr(deciderAlarm)
	execution.LastSeen = execution.LastSeen.UTC()
	execution.ExecutionStartToCloseTimeout = intPtr(executionS2C)
	execution.TaskScheduleToCloseTimeout = intPtr(taskS2C)
	execution.TaskScheduleToStartTimeout = intPtr(taskS2S)
	execution.TaskStartToCloseTimeout = intPtr(taskStart2C)

	return &execution, nil
}
