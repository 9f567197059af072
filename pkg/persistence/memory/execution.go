package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
)

type executionRepository struct {
	p *Persistence
}

func (r *executionRepository) Create(_ context.Context, execution *models.Execution) error {
	defer r.p.lock()()

	st := r.p.s.state
	if _, ok := st.executions[execution.ExecutionID]; ok {
		return persistence.NewExecutionError("Create", execution.ExecutionID, persistence.ErrConflict)
	}

	execution.Version = 1
	st.executions[execution.ExecutionID] = execution.Clone()
	st.historyIDs[execution.ExecutionID] = 0

	return nil
}

func (r *executionRepository) GetByID(_ context.Context, executionID string) (*models.Execution, error) {
	defer r.p.lock()()

	execution, ok := r.p.s.state.executions[executionID]
	if !ok {
		return nil, persistence.NewExecutionError("GetByID", executionID, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (r *executionRepository) Update(_ context.Context, execution *models.Execution) error {
	defer r.p.lock()()

	st := r.p.s.state

	stored, ok := st.executions[execution.ExecutionID]
	if !ok {
		return persistence.NewExecutionError("Update", execution.ExecutionID, persistence.ErrExecutionNotFound)
	}

	if stored.Version != execution.Version {
		return persistence.NewExecutionError("Update", execution.ExecutionID, persistence.ErrConflict)
	}

	execution.Version++

	updated := execution.Clone()
	// identity columns are not updatable
	updated.WorkflowName = stored.WorkflowName
	updated.WorkflowVersion = stored.WorkflowVersion
	st.executions[execution.ExecutionID] = updated

	return nil
}

func (r *executionRepository) NextAwaitingDecision(_ context.Context, decisionList string) (*models.Execution, error) {
	defer r.p.lock()()

	var next *models.Execution

	for _, execution := range r.p.s.state.executions {
		if execution.DecisionList != decisionList || !execution.AwaitingDecision ||
			execution.Claimed() || !execution.State.Decidable() {
			continue
		}

		if next == nil || execution.LastSeen.Before(next.LastSeen) {
			next = execution
		}
	}

	if next == nil {
		return nil, nil
	}

	return next.Clone(), nil
}

func (r *executionRepository) ExpiredDeciderClaims(_ context.Context, now time.Time) ([]*models.Execution, error) {
	defer r.p.lock()()

	expired := make([]*models.Execution, 0)

	for _, execution := range r.p.s.state.executions {
		if execution.Claimed() && execution.DeciderAlarm != nil && execution.DeciderAlarm.Before(now) {
			expired = append(expired, execution.Clone())
		}
	}

	return expired, nil
}

func (r *executionRepository) List(_ context.Context, filter models.ExecutionFilter) ([]models.ExecutionSummary, error) {
	defer r.p.lock()()

	st := r.p.s.state
	summaries := make([]models.ExecutionSummary, 0)

	for id, execution := range st.executions {
		events := st.history[id]
		if len(events) == 0 {
			continue
		}

		started := events[0].Timestamp

		switch {
		case filter.JobID != "" && execution.JobID != filter.JobID,
			filter.Workflow != "" && execution.WorkflowName != filter.Workflow,
			filter.State != "" && execution.State != filter.State,
			filter.After != nil && !started.After(*filter.After):
			continue
		}

		summaries = append(summaries, models.ExecutionSummary{
			ExecutionID: id,
			JobID:       execution.JobID,
			Started:     started,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Started.Before(summaries[j].Started)
	})

	return summaries, nil
}

func (r *executionRepository) FinishedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	defer r.p.lock()()

	ids := make([]string, 0)

	for id, events := range r.p.s.state.history {
		for _, event := range events {
			if slices.Contains(models.TerminalEventTypes, event.EventType) && event.Timestamp.Before(cutoff) {
				ids = append(ids, id)

				break
			}
		}
	}

	sort.Strings(ids)

	return ids, nil
}

func (r *executionRepository) Purge(_ context.Context, executionID string) error {
	defer r.p.lock()()

	st := r.p.s.state

	delete(st.variables, executionID)
	delete(st.history, executionID)
	delete(st.historyIDs, executionID)
	delete(st.executions, executionID)

	for token, task := range st.tasks {
		if task.ExecutionID == executionID {
			delete(st.tasks, token)
		}
	}

	return nil
}
