package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/version"
)

// genericConfigVersion keys the workflow config that applies to every version.
const genericConfigVersion = -1

// DefinitionRepository stores workflow and activity definitions as JSONB documents.
type DefinitionRepository struct {
	db     querier
	logger *slog.Logger
}

func NewDefinitionRepository(db querier, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

func (r *DefinitionRepository) Workflows(ctx context.Context) ([]models.DefinitionID, error) {
	return r.ids(ctx, "SELECT name, version FROM workflow_definitions ORDER BY name, version")
}

func (r *DefinitionRepository) WorkflowVersions(ctx context.Context, name string) ([]models.DefinitionID, error) {
	return r.ids(ctx, "SELECT name, version FROM workflow_definitions WHERE name = $1 ORDER BY version", name)
}

func (r *DefinitionRepository) Workflow(ctx context.Context, name string, packed *int64) (*models.WorkflowDefinition, error) {
	raw, err := r.document(ctx, "workflow_definitions", name, packed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("Workflow", name, versionLabel(packed), persistence.ErrWorkflowNotFound)
		}

		return nil, err
	}

	var workflow models.WorkflowDefinition

	err = json.Unmarshal(raw, &workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", name, err)
	}

	return &workflow, nil
}

func (r *DefinitionRepository) SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error {
	return r.save(ctx, "workflow_definitions", workflow.Name, workflow.Version, workflow)
}

func (r *DefinitionRepository) DeleteWorkflow(ctx context.Context, name string, packed *int64) error {
	var (
		result sql.Result
		err    error
	)

	if packed == nil {
		result, err = r.db.ExecContext(ctx, "DELETE FROM workflow_definitions WHERE name = $1", name)
	} else {
		result, err = r.db.ExecContext(ctx, "DELETE FROM workflow_definitions WHERE name = $1 AND version = $2", name, *packed)
	}

	if err != nil {
		return persistence.NewDefinitionError("DeleteWorkflow", name, versionLabel(packed), err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewDefinitionError("DeleteWorkflow", name, versionLabel(packed), persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *DefinitionRepository) Activities(ctx context.Context) ([]models.DefinitionID, error) {
	return r.ids(ctx, "SELECT name, version FROM activity_definitions ORDER BY name, version")
}

func (r *DefinitionRepository) ActivityVersions(ctx context.Context, name string) ([]models.DefinitionID, error) {
	return r.ids(ctx, "SELECT name, version FROM activity_definitions WHERE name = $1 ORDER BY version", name)
}

func (r *DefinitionRepository) Activity(ctx context.Context, name string, packed *int64) (*models.ActivityDefinition, error) {
	raw, err := r.document(ctx, "activity_definitions", name, packed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("Activity", name, versionLabel(packed), persistence.ErrActivityNotFound)
		}

		return nil, err
	}

	var activity models.ActivityDefinition

	err = json.Unmarshal(raw, &activity)
	if err != nil {
		return nil, fmt.Errorf("failed to decode activity %s: %w", name, err)
	}

	return &activity, nil
}

func (r *DefinitionRepository) SaveActivity(ctx context.Context, activity *models.ActivityDefinition) error {
	return r.save(ctx, "activity_definitions", activity.Name, activity.Version, activity)
}

func (r *DefinitionRepository) WorkflowConfig(ctx context.Context, name string, packed int64) (*models.WorkflowConfig, error) {
	query := `
		SELECT
			workflow_version
		  , config
		FROM workflow_configs
		WHERE workflow_name = $1 AND workflow_version IN ($2, $3)
		ORDER BY workflow_version DESC
		LIMIT 1
	`

	var (
		stored int64
		raw    []byte
	)

	err := r.db.QueryRowContext(ctx, query, name, packed, genericConfigVersion).Scan(&stored, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("WorkflowConfig", name, versionLabel(&packed), persistence.ErrConfigNotFound)
		}

		return nil, fmt.Errorf("failed to query workflow config: %w", err)
	}

	config := &models.WorkflowConfig{WorkflowName: name, JSON: raw}
	if stored != genericConfigVersion {
		config.WorkflowVersion = &stored
	}

	return config, nil
}

func (r *DefinitionRepository) SaveWorkflowConfig(ctx context.Context, config *models.WorkflowConfig) error {
	query := `
		INSERT INTO workflow_configs (workflow_name, workflow_version, config)
		VALUES ($1, $2, $3)
		ON CONFLICT (workflow_name, workflow_version) DO UPDATE SET config = EXCLUDED.config
	`

	stored := int64(genericConfigVersion)
	if config.WorkflowVersion != nil {
		stored = *config.WorkflowVersion
	}

	_, err := r.db.ExecContext(ctx, query, config.WorkflowName, stored, string(config.JSON))
	if err != nil {
		return persistence.NewDefinitionError("SaveWorkflowConfig", config.WorkflowName, versionLabel(config.WorkflowVersion), err)
	}

	return nil
}

func (r *DefinitionRepository) document(ctx context.Context, table, name string, packed *int64) ([]byte, error) {
	var (
		raw []byte
		err error
	)

	if packed == nil {
		err = r.db.QueryRowContext(ctx,
			"SELECT definition FROM "+table+" WHERE name = $1 ORDER BY version DESC LIMIT 1", name,
		).Scan(&raw)
	} else {
		err = r.db.QueryRowContext(ctx,
			"SELECT definition FROM "+table+" WHERE name = $1 AND version = $2", name, *packed,
		).Scan(&raw)
	}

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}

	return raw, nil
}

func (r *DefinitionRepository) save(ctx context.Context, table, name, rawVersion string, document any) error {
	packed, err := version.Encode(rawVersion)
	if err != nil {
		return persistence.NewDefinitionError("Save", name, rawVersion, err)
	}

	data, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	query := `
		INSERT INTO ` + table + ` (name, version, definition)
		VALUES ($1, $2, $3)
		ON CONFLICT (name, version) DO UPDATE SET definition = EXCLUDED.definition
	`

	_, err = r.db.ExecContext(ctx, query, name, packed, string(data))
	if err != nil {
		return persistence.NewDefinitionError("Save", name, rawVersion, err)
	}

	return nil
}

func (r *DefinitionRepository) ids(ctx context.Context, query string, args ...any) ([]models.DefinitionID, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	ids := make([]models.DefinitionID, 0)

	for rows.Next() {
		var (
			name   string
			packed int64
		)

		err := rows.Scan(&name, &packed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition id: %w", err)
		}

		decoded, err := version.Decode(packed)
		if err != nil {
			return nil, fmt.Errorf("failed to decode version of %s: %w", name, err)
		}

		ids = append(ids, models.DefinitionID{Name: name, Version: decoded})
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return ids, nil
}

func versionLabel(packed *int64) string {
	if packed == nil {
		return ""
	}

	decoded, err := version.Decode(*packed)
	if err != nil {
		return ""
	}

	return decoded
}
