package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/version"
)

type definitionRepository struct {
	p *Persistence
}

func (r *definitionRepository) Workflows(_ context.Context) ([]models.DefinitionID, error) {
	defer r.p.lock()()

	return ids(r.p.s.state.workflows, "")
}

func (r *definitionRepository) WorkflowVersions(_ context.Context, name string) ([]models.DefinitionID, error) {
	defer r.p.lock()()

	return ids(r.p.s.state.workflows, name)
}

func (r *definitionRepository) Workflow(_ context.Context, name string, packed *int64) (*models.WorkflowDefinition, error) {
	defer r.p.lock()()

	raw, ok := lookup(r.p.s.state.workflows[name], packed)
	if !ok {
		return nil, persistence.NewDefinitionError("Workflow", name, label(packed), persistence.ErrWorkflowNotFound)
	}

	var workflow models.WorkflowDefinition

	err := json.Unmarshal(raw, &workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", name, err)
	}

	return &workflow, nil
}

func (r *definitionRepository) SaveWorkflow(_ context.Context, workflow *models.WorkflowDefinition) error {
	defer r.p.lock()()

	return save(r.p.s.state.workflows, workflow.Name, workflow.Version, workflow)
}

func (r *definitionRepository) DeleteWorkflow(_ context.Context, name string, packed *int64) error {
	defer r.p.lock()()

	versions, ok := r.p.s.state.workflows[name]
	if !ok {
		return persistence.NewDefinitionError("DeleteWorkflow", name, label(packed), persistence.ErrWorkflowNotFound)
	}

	if packed == nil {
		delete(r.p.s.state.workflows, name)

		return nil
	}

	if _, ok := versions[*packed]; !ok {
		return persistence.NewDefinitionError("DeleteWorkflow", name, label(packed), persistence.ErrWorkflowNotFound)
	}

	delete(versions, *packed)

	if len(versions) == 0 {
		delete(r.p.s.state.workflows, name)
	}

	return nil
}

func (r *definitionRepository) Activities(_ context.Context) ([]models.DefinitionID, error) {
	defer r.p.lock()()

	return ids(r.p.s.state.activities, "")
}

func (r *definitionRepository) ActivityVersions(_ context.Context, name string) ([]models.DefinitionID, error) {
	defer r.p.lock()()

	return ids(r.p.s.state.activities, name)
}

func (r *definitionRepository) Activity(_ context.Context, name string, packed *int64) (*models.ActivityDefinition, error) {
	defer r.p.lock()()

	raw, ok := lookup(r.p.s.state.activities[name], packed)
	if !ok {
		return nil, persistence.NewDefinitionError("Activity", name, label(packed), persistence.ErrActivityNotFound)
	}

	var activity models.ActivityDefinition

	err := json.Unmarshal(raw, &activity)
	if err != nil {
		return nil, fmt.Errorf("failed to decode activity %s: %w", name, err)
	}

	return &activity, nil
}

func (r *definitionRepository) SaveActivity(_ context.Context, activity *models.ActivityDefinition) error {
	defer r.p.lock()()

	return save(r.p.s.state.activities, activity.Name, activity.Version, activity)
}

func (r *definitionRepository) WorkflowConfig(_ context.Context, name string, packed int64) (*models.WorkflowConfig, error) {
	defer r.p.lock()()

	configs := r.p.s.state.configs[name]

	if raw, ok := configs[packed]; ok {
		return &models.WorkflowConfig{WorkflowName: name, WorkflowVersion: &packed, JSON: raw}, nil
	}

	if raw, ok := configs[genericConfigVersion]; ok {
		return &models.WorkflowConfig{WorkflowName: name, JSON: raw}, nil
	}

	return nil, persistence.NewDefinitionError("WorkflowConfig", name, label(&packed), persistence.ErrConfigNotFound)
}

func (r *definitionRepository) SaveWorkflowConfig(_ context.Context, config *models.WorkflowConfig) error {
	defer r.p.lock()()

	st := r.p.s.state
	if st.configs[config.WorkflowName] == nil {
		st.configs[config.WorkflowName] = make(map[int64]json.RawMessage)
	}

	key := int64(genericConfigVersion)
	if config.WorkflowVersion != nil {
		key = *config.WorkflowVersion
	}

	st.configs[config.WorkflowName][key] = append(json.RawMessage(nil), config.JSON...)

	return nil
}

func save(table map[string]map[int64]json.RawMessage, name, rawVersion string, document any) error {
	packed, err := version.Encode(rawVersion)
	if err != nil {
		return persistence.NewDefinitionError("Save", name, rawVersion, err)
	}

	data, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	if table[name] == nil {
		table[name] = make(map[int64]json.RawMessage)
	}

	table[name][packed] = data

	return nil
}

func lookup(versions map[int64]json.RawMessage, packed *int64) (json.RawMessage, bool) {
	if packed != nil {
		raw, ok := versions[*packed]

		return raw, ok
	}

	if len(versions) == 0 {
		return nil, false
	}

	keys := slices.Collect(maps.Keys(versions))

	return versions[slices.Max(keys)], true
}

func ids(table map[string]map[int64]json.RawMessage, name string) ([]models.DefinitionID, error) {
	result := make([]models.DefinitionID, 0)

	type entry struct {
		name   string
		packed int64
	}

	entries := make([]entry, 0)

	for n, versions := range table {
		if name != "" && n != name {
			continue
		}

		for packed := range versions {
			entries = append(entries, entry{name: n, packed: packed})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].name != entries[j].name {
			return entries[i].name < entries[j].name
		}

		return entries[i].packed < entries[j].packed
	})

	for _, e := range entries {
		decoded, err := version.Decode(e.packed)
		if err != nil {
			return nil, fmt.Errorf("failed to decode version of %s: %w", e.name, err)
		}

		result = append(result, models.DefinitionID{Name: e.name, Version: decoded})
	}

	return result, nil
}

func label(packed *int64) string {
	if packed == nil {
		return ""
	}

	decoded, err := version.Decode(*packed)
	if err != nil {
		return ""
	}

	return decoded
}
