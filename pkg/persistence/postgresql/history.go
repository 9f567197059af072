package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
)

// HistoryRepository appends to and reads the per-execution event log.
type HistoryRepository struct {
	db     querier
	logger *slog.Logger
}

func NewHistoryRepository(db querier, logger *slog.Logger) *HistoryRepository {
	return &HistoryRepository{db: db, logger: logger}
}

// Append bumps the execution's history counter and inserts the event under the new id in one
// statement. The counter row stays locked until the surrounding transaction ends, so ids are
// gapless per execution.
func (r *HistoryRepository) Append(
	ctx context.Context,
	executionID string,
	eventType models.EventType,
	attributes json.RawMessage,
) (*models.HistoryEvent, error) {
	query := `
		WITH next AS (
			UPDATE executions
			SET last_history_id = last_history_id + 1
			WHERE execution_id = $1
			RETURNING last_history_id
		)
		INSERT INTO history (
			execution_id
		  , id
		  , event_type
		  , timestamp
		  , attributes
		)
		SELECT $1, last_history_id, $2, $3, $4 FROM next
		RETURNING id
	`

	event := &models.HistoryEvent{
		ExecutionID: executionID,
		EventType:   eventType,
		Timestamp:   time.Now().UTC(),
		Attributes:  attributes,
	}

	err := r.db.QueryRowContext(ctx, query,
		executionID,
		string(eventType),
		event.Timestamp,
		nullJSON(attributes),
	).Scan(&event.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("AppendHistory", executionID, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("AppendHistory", executionID, err)
	}

	return event, nil
}

func (r *HistoryRepository) Get(ctx context.Context, executionID string, id int64) (*models.HistoryEvent, error) {
	query := `
		SELECT
			execution_id
		  , id
		  , event_type
		  , timestamp
		  , attributes
		FROM history
		WHERE execution_id = $1 AND id = $2
	`

	event, err := scanHistoryEvent(r.db.QueryRowContext(ctx, query, executionID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetHistory", executionID,
				fmt.Errorf("%w: id %d", persistence.ErrHistoryEventNotFound, id))
		}

		return nil, fmt.Errorf("failed to scan history event: %w", err)
	}

	return event, nil
}

func (r *HistoryRepository) List(
	ctx context.Context,
	executionID string,
	afterID int64,
	limit int,
) ([]*models.HistoryEvent, error) {
	query := `
		SELECT
			execution_id
		  , id
		  , event_type
		  , timestamp
		  , attributes
		FROM history
		WHERE execution_id = $1 AND id > $2
		ORDER BY id
	`
	args := []any{executionID, afterID}

	if limit > 0 {
		query += " LIMIT $3"

		args = append(args, limit)
	}

	return r.query(ctx, query, args...)
}

func (r *HistoryRepository) Count(ctx context.Context, executionID string) (int64, error) {
	var count int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history WHERE execution_id = $1", executionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}

	return count, nil
}

func (r *HistoryRepository) FindSignal(ctx context.Context, executionID, signalName string) ([]*models.HistoryEvent, error) {
	query := `
		SELECT
			execution_id
		  , id
		  , event_type
		  , timestamp
		  , attributes
		FROM history
		WHERE execution_id = $1
		  AND (
				(event_type = $2 AND attributes->>'signalName' = $4)
			 OR (event_type = $3 AND attributes->>'asyncSignal' = $4)
		  )
		ORDER BY id
	`

	return r.query(ctx, query,
		executionID,
		string(models.EventWorkflowSignalled),
		string(models.EventActivityTaskScheduled),
		signalName,
	)
}

func (r *HistoryRepository) query(ctx context.Context, query string, args ...any) ([]*models.HistoryEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	events := make([]*models.HistoryEvent, 0)

	for rows.Next() {
		event, err := scanHistoryEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history event: %w", err)
		}

		events = append(events, event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return events, nil
}

func scanHistoryEvent(row scanner) (*models.HistoryEvent, error) {
	var (
		event      models.HistoryEvent
		eventType  string
		attributes []byte
	)

	err := row.Scan(&event.ExecutionID, &event.ID, &eventType, &event.Timestamp, &attributes)
	if err != nil {
		return nil, err
	}

	event.EventType = models.EventType(eventType)
	event.Timestamp = event.Timestamp.UTC()
	event.Attributes = rawJSON(attributes)

	return &event, nil
}
