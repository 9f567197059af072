package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/version"
)

// Definitions manages workflow definitions, activity definitions and workflow configs.
type Definitions struct {
	store  persistence.Persistence
	logger *slog.Logger
}

func NewDefinitions(store persistence.Persistence, logger *slog.Logger) *Definitions {
	return &Definitions{store: store, logger: logger}
}

func (d *Definitions) Workflows(ctx context.Context) ([]models.DefinitionID, error) {
	ids, err := d.store.DefinitionRepository().Workflows(ctx)

	return ids, wrap("ListWorkflows", err)
}

func (d *Definitions) WorkflowVersions(ctx context.Context, name string) ([]models.DefinitionID, error) {
	ids, err := d.store.DefinitionRepository().WorkflowVersions(ctx, name)

	return ids, wrap("ListWorkflowVersions", err)
}

func (d *Definitions) Workflow(ctx context.Context, name, v string) (*models.WorkflowDefinition, error) {
	const op = "GetWorkflow"

	packed, err := version.Encode(v)
	if err != nil {
		return nil, NewValidationError(op, err.Error(), err)
	}

	workflow, err := d.store.DefinitionRepository().Workflow(ctx, name, &packed)
	if err != nil {
		return nil, wrap(op, err)
	}

	return workflow, nil
}

// SaveWorkflow stores the definition, replacing the same name and version.
func (d *Definitions) SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error {
	const op = "SaveWorkflow"

	err := ValidateWorkflow(workflow)
	if err != nil {
		return NewValidationError(op, err.Error(), err)
	}

	err = d.store.DefinitionRepository().SaveWorkflow(ctx, workflow)
	if err != nil {
		return wrap(op, err)
	}

	d.logger.InfoContext(ctx, "workflow stored", "workflow", workflow.Name, "version", workflow.Version)

	return nil
}

// ValidateWorkflow checks the graph references of a definition: versions parse, a start node
// exists and every outflow points at a declared task.
func ValidateWorkflow(workflow *models.WorkflowDefinition) error {
	if workflow.Name == "" {
		return ErrWorkflowNameEmpty
	}

	_, err := version.Encode(workflow.Version)
	if err != nil {
		return err
	}

	if workflow.TaskByActivity(models.StartActivityName) == nil {
		return fmt.Errorf("%w: no %q task", ErrInvalidRequest, models.StartActivityName)
	}

	seen := make(map[string]bool, len(workflow.Tasks))

	for _, task := range workflow.Tasks {
		if seen[task.TaskID] {
			return fmt.Errorf("%w: duplicate task %q", ErrInvalidRequest, task.TaskID)
		}

		seen[task.TaskID] = true

		_, err := version.Encode(task.ActivityVersion)
		if err != nil {
			return fmt.Errorf("task %q: %w", task.TaskID, err)
		}
	}

	for _, task := range workflow.Tasks {
		outflows := task.Outflows
		if task.FailOutflow != nil {
			outflows = append(outflows[:len(outflows):len(outflows)], *task.FailOutflow)
		}

		for _, outflow := range outflows {
			if !seen[outflow.Target] {
				return fmt.Errorf("%w: outflow %q of task %q targets unknown task %q",
					ErrInvalidRequest, outflow.Name, task.TaskID, outflow.Target)
			}
		}
	}

	return nil
}

// DeleteWorkflow removes one version, or every version when v is empty.
func (d *Definitions) DeleteWorkflow(ctx context.Context, name, v string) error {
	const op = "DeleteWorkflow"

	var packed *int64

	if v != "" {
		p, err := version.Encode(v)
		if err != nil {
			return NewValidationError(op, err.Error(), err)
		}

		packed = &p
	}

	err := d.store.DefinitionRepository().DeleteWorkflow(ctx, name, packed)
	if err != nil {
		return wrap(op, err)
	}

	d.logger.InfoContext(ctx, "workflow deleted", "workflow", name, "version", v)

	return nil
}

func (d *Definitions) Activities(ctx context.Context) ([]models.DefinitionID, error) {
	ids, err := d.store.DefinitionRepository().Activities(ctx)

	return ids, wrap("ListActivities", err)
}

func (d *Definitions) ActivityVersions(ctx context.Context, name string) ([]models.DefinitionID, error) {
	ids, err := d.store.DefinitionRepository().ActivityVersions(ctx, name)

	return ids, wrap("ListActivityVersions", err)
}

func (d *Definitions) Activity(ctx context.Context, name, v string) (*models.ActivityDefinition, error) {
	const op = "GetActivity"

	packed, err := version.Encode(v)
	if err != nil {
		return nil, NewValidationError(op, err.Error(), err)
	}

	activity, err := d.store.DefinitionRepository().Activity(ctx, name, &packed)
	if err != nil {
		return nil, wrap(op, err)
	}

	return activity, nil
}

// SaveActivity stores the activity under name and version. The body may omit both; when it
// carries them they must match.
func (d *Definitions) SaveActivity(ctx context.Context, name, v string, activity *models.ActivityDefinition) error {
	const op = "SaveActivity"

	if activity.Name == "" {
		activity.Name = name
	}

	if activity.Version == "" {
		activity.Version = v
	}

	if activity.Name != name {
		return NewValidationError(op, fmt.Sprintf("activity name %q does not match %q", activity.Name, name), ErrInvalidRequest)
	}

	same, err := sameVersion(activity.Version, v)
	if err != nil {
		return NewValidationError(op, err.Error(), err)
	}

	if !same {
		return NewValidationError(op, fmt.Sprintf("activity version %q does not match %q", activity.Version, v), ErrInvalidRequest)
	}

	if activity.DefaultTaskList == "" {
		return NewValidationError(op, "defaultTaskList is required", ErrInvalidRequest)
	}

	err = d.store.DefinitionRepository().SaveActivity(ctx, activity)
	if err != nil {
		return wrap(op, err)
	}

	d.logger.InfoContext(ctx, "activity stored", "activity", activity.Name, "version", activity.Version)

	return nil
}

func sameVersion(a, b string) (bool, error) {
	pa, err := version.Encode(a)
	if err != nil {
		return false, err
	}

	pb, err := version.Encode(b)
	if err != nil {
		return false, err
	}

	return pa == pb, nil
}

// WorkflowConfig returns the config for the workflow version, falling back to the generic one.
func (d *Definitions) WorkflowConfig(ctx context.Context, name, v string) (*models.WorkflowConfig, error) {
	const op = "GetWorkflowConfig"

	if name == "" {
		return nil, NewValidationError(op, ErrWorkflowNameEmpty.Error(), ErrWorkflowNameEmpty)
	}

	packed, err := version.Encode(v)
	if err != nil {
		return nil, NewValidationError(op, err.Error(), err)
	}

	config, err := d.store.DefinitionRepository().WorkflowConfig(ctx, name, packed)
	if err != nil {
		return nil, wrap(op, err)
	}

	return config, nil
}

// SaveWorkflowConfig stores a config; without a version it becomes the generic config.
func (d *Definitions) SaveWorkflowConfig(ctx context.Context, name, v string, config []byte) error {
	const op = "SaveWorkflowConfig"

	if name == "" {
		return NewValidationError(op, ErrWorkflowNameEmpty.Error(), ErrWorkflowNameEmpty)
	}

	stored := &models.WorkflowConfig{WorkflowName: name, JSON: config}

	if v != "" {
		packed, err := version.Encode(v)
		if err != nil {
			return NewValidationError(op, err.Error(), err)
		}

		stored.WorkflowVersion = &packed
	}

	return wrap(op, d.store.DefinitionRepository().SaveWorkflowConfig(ctx, stored))
}
