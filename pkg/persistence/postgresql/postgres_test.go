package postgresql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{
		"variables", "task_list", "history", "executions",
		"workflow_configs", "activity_definitions", "workflow_definitions", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("flowcore_test"),
			postgres.WithUsername("flowcore"),
			postgres.WithPassword("flowcore"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func newExecution() *models.Execution {
	return &models.Execution{
		ExecutionID:      uuid.NewString(),
		JobID:            "job-1",
		WorkflowName:     "adder",
		WorkflowVersion:  1000000000000,
		DecisionList:     models.DefaultDecisionList,
		State:            models.StateRunning,
		AwaitingDecision: true,
		LastSeen:         time.Now().UTC(),
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"executions", "history", "task_list", "variables", "workflow_definitions"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestExecutionRepository_CompareAndSwap(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.ExecutionRepository()

	execution := newExecution()
	require.NoError(t, repo.Create(ctx, execution))

	stale, err := repo.GetByID(ctx, execution.ExecutionID)
	require.NoError(t, err)

	execution.AwaitingDecision = false
	execution.DeciderToken = uuid.NewString()
	require.NoError(t, repo.Update(ctx, execution))
	assert.Equal(t, int64(2), execution.Version)

	stale.HistorySeen = 10
	err = repo.Update(ctx, stale)
	assert.True(t, persistence.IsConflict(err))

	missing := newExecution()
	err = repo.Update(ctx, missing)
	assert.True(t, persistence.IsExecutionNotFound(err))

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionRepository_NextAwaitingDecision(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.ExecutionRepository()

	older := newExecution()
	older.LastSeen = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, older))

	newer := newExecution()
	require.NoError(t, repo.Create(ctx, newer))

	paused := newExecution()
	paused.State = models.StatePaused
	paused.LastSeen = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, paused))

	next, err := repo.NextAwaitingDecision(ctx, models.DefaultDecisionList)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, older.ExecutionID, next.ExecutionID)

	none, err := repo.NextAwaitingDecision(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestHistoryRepository_AppendIsGapless(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	execution := newExecution()
	require.NoError(t, p.ExecutionRepository().Create(ctx, execution))

	history := p.HistoryRepository()

	for i := 1; i <= 3; i++ {
		event, err := history.Append(ctx, execution.ExecutionID, models.EventWorkflowSignalled,
			json.RawMessage(`{"signalName":"go"}`))
		require.NoError(t, err)
		assert.Equal(t, int64(i), event.ID)
	}

	_, err := history.Append(ctx, execution.ExecutionID, models.EventActivityTaskScheduled,
		json.RawMessage(`{"activityName":"wait","asyncSignal":"go"}`))
	require.NoError(t, err)

	events, err := history.List(ctx, execution.ExecutionID, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(2), events[0].ID)

	limited, err := history.List(ctx, execution.ExecutionID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	count, err := history.Count(ctx, execution.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	signals, err := history.FindSignal(ctx, execution.ExecutionID, "go")
	require.NoError(t, err)
	assert.Len(t, signals, 4)

	// the counter is not part of the optimistic version
	stored, err := p.ExecutionRepository().GetByID(ctx, execution.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.Version, stored.Version)

	_, err = history.Append(ctx, uuid.NewString(), models.EventWorkflowStopped, nil)
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestTaskRepository_ClaimAndDelete(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	execution := newExecution()
	require.NoError(t, p.ExecutionRepository().Create(ctx, execution))

	now := time.Now().UTC()
	tasks := p.TaskRepository()

	low := &models.TaskListEntry{
		TaskToken:        uuid.NewString(),
		ExecutionID:      execution.ExecutionID,
		TaskList:         "adder",
		ScheduledEventID: 2,
		Priority:         1,
		ScheduledAt:      now,
		TaskAlarm:        now.Add(time.Hour),
	}
	high := &models.TaskListEntry{
		TaskToken:        uuid.NewString(),
		ExecutionID:      execution.ExecutionID,
		TaskList:         "adder",
		ScheduledEventID: 3,
		Priority:         0,
		ScheduledAt:      now.Add(time.Second),
		TaskAlarm:        now.Add(-time.Second),
	}

	require.NoError(t, tasks.Create(ctx, low))
	require.NoError(t, tasks.Create(ctx, high))

	next, err := tasks.NextUnclaimed(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, high.TaskToken, next.TaskToken)

	stale := *next
	next.WorkerID = "worker-1"
	require.NoError(t, tasks.Update(ctx, next))

	stale.WorkerID = "worker-2"
	assert.True(t, persistence.IsConflict(tasks.Update(ctx, &stale)))

	expired, err := tasks.Expired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, high.TaskToken, expired[0].TaskToken)

	rows, err := tasks.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, "1.0.0.0", rows[0].WorkflowVersion)

	require.NoError(t, tasks.Delete(ctx, next))
	assert.True(t, persistence.IsTaskNotFound(tasks.Delete(ctx, next)))

	lists, err := tasks.TaskLists(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"adder"}, lists)
}

func TestPersistence_WithTxRollsBack(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	execution := newExecution()

	err := p.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		require.NoError(t, tx.ExecutionRepository().Create(ctx, execution))

		return persistence.ErrConflict
	})
	require.ErrorIs(t, err, persistence.ErrConflict)

	_, err = p.ExecutionRepository().GetByID(ctx, execution.ExecutionID)
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionRepository_ListAndPurge(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	execution := newExecution()

	err := p.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		err := tx.ExecutionRepository().Create(ctx, execution)
		if err != nil {
			return err
		}

		_, err = tx.HistoryRepository().Append(ctx, execution.ExecutionID, models.EventWorkflowExecutionStarted, nil)
		if err != nil {
			return err
		}

		_, err = tx.HistoryRepository().Append(ctx, execution.ExecutionID, models.EventWorkflowStopped, nil)

		return err
	})
	require.NoError(t, err)
	require.NoError(t, p.VariableRepository().Set(ctx, execution.ExecutionID, "total", json.RawMessage(`8`)))

	summaries, err := p.ExecutionRepository().List(ctx, models.ExecutionFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, execution.ExecutionID, summaries[0].ExecutionID)

	finished, err := p.ExecutionRepository().FinishedBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{execution.ExecutionID}, finished)

	require.NoError(t, p.ExecutionRepository().Purge(ctx, execution.ExecutionID))

	variables, err := p.VariableRepository().List(ctx, execution.ExecutionID)
	require.NoError(t, err)
	assert.Empty(t, variables)

	count, err := p.HistoryRepository().Count(ctx, execution.ExecutionID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDefinitionRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.DefinitionRepository()

	for _, v := range []string{"1.0", "1.2"} {
		err := repo.SaveWorkflow(ctx, &models.WorkflowDefinition{
			Name:    "adder",
			Version: v,
			Tasks:   []*models.TaskNode{{TaskID: "start", ActivityName: "start", ActivityVersion: "1.0"}},
		})
		require.NoError(t, err)
	}

	latest, err := repo.Workflow(ctx, "adder", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2", latest.Version)

	versions, err := repo.WorkflowVersions(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, []models.DefinitionID{{Name: "adder", Version: "1.0.0.0"}, {Name: "adder", Version: "1.2.0.0"}}, versions)

	generic := &models.WorkflowConfig{WorkflowName: "adder", JSON: json.RawMessage(`{"generic":true}`)}
	require.NoError(t, repo.SaveWorkflowConfig(ctx, generic))

	config, err := repo.WorkflowConfig(ctx, "adder", 1000000000000)
	require.NoError(t, err)
	assert.Nil(t, config.WorkflowVersion)
	assert.JSONEq(t, `{"generic":true}`, string(config.JSON))

	_, err = repo.WorkflowConfig(ctx, "other", 1)
	assert.ErrorIs(t, err, persistence.ErrConfigNotFound)

	require.NoError(t, repo.DeleteWorkflow(ctx, "adder", nil))

	_, err = repo.Workflow(ctx, "adder", nil)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}
