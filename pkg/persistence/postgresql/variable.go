package postgresql

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
)

type VariableRepository struct {
	db     querier
	logger *slog.Logger
}

func NewVariableRepository(db querier, logger *slog.Logger) *VariableRepository {
	return &VariableRepository{db: db, logger: logger}
}

// Set creates or replaces a variable.
func (r *VariableRepository) Set(ctx context.Context, executionID, name string, value json.RawMessage) error {
	query := `
		INSERT INTO variables (execution_id, name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (execution_id, name) DO UPDATE SET value = EXCLUDED.value
	`

	if len(value) == 0 {
		value = json.RawMessage("null")
	}

	_, err := r.db.ExecContext(ctx, query, executionID, name, string(value))
	if err != nil {
		return persistence.NewExecutionError("SetVariable", executionID, err)
	}

	return nil
}

func (r *VariableRepository) List(ctx context.Context, executionID string) ([]*models.Variable, error) {
	query := `
		SELECT
			execution_id
		  , name
		  , value
		FROM variables
		WHERE execution_id = $1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variables: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	variables := make([]*models.Variable, 0)

	for rows.Next() {
		var (
			variable models.Variable
			value    []byte
		)

		err := rows.Scan(&variable.ExecutionID, &variable.Name, &value)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}

		variable.Value = rawJSON(value)
		if variable.Value == nil {
			variable.Value = json.RawMessage("null")
		}

		variables = append(variables, &variable)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating variables: %w", err)
	}

	return variables, nil
}
