package memory

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/dukex/flowcore/pkg/models"
)

type variableRepository struct {
	p *Persistence
}

func (r *variableRepository) Set(_ context.Context, executionID, name string, value json.RawMessage) error {
	defer r.p.lock()()

	st := r.p.s.state
	if st.variables[executionID] == nil {
		st.variables[executionID] = make(map[string]json.RawMessage)
	}

	if len(value) == 0 {
		value = json.RawMessage("null")
	}

	st.variables[executionID][name] = append(json.RawMessage(nil), value...)

	return nil
}

func (r *variableRepository) List(_ context.Context, executionID string) ([]*models.Variable, error) {
	defer r.p.lock()()

	variables := make([]*models.Variable, 0)

	for name, value := range r.p.s.state.variables[executionID] {
		variables = append(variables, &models.Variable{
			ExecutionID: executionID,
			Name:        name,
			Value:       append(json.RawMessage(nil), value...),
		})
	}

	sort.Slice(variables, func(i, j int) bool {
		return variables[i].Name < variables[j].Name
	})

	return variables, nil
}
