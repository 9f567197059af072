package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
)

type historyRepository struct {
	p *Persistence
}

func (r *historyRepository) Append(
	_ context.Context,
	executionID string,
	eventType models.EventType,
	attributes json.RawMessage,
) (*models.HistoryEvent, error) {
	defer r.p.lock()()

	st := r.p.s.state
	if _, ok := st.executions[executionID]; !ok {
		return nil, persistence.NewExecutionError("AppendHistory", executionID, persistence.ErrExecutionNotFound)
	}

	st.historyIDs[executionID]++

	event := &models.HistoryEvent{
		ExecutionID: executionID,
		ID:          st.historyIDs[executionID],
		EventType:   eventType,
		Timestamp:   r.p.s.now(),
		Attributes:  append(json.RawMessage(nil), attributes...),
	}
	st.history[executionID] = append(st.history[executionID], event)

	copied := *event

	return &copied, nil
}

func (r *historyRepository) Get(_ context.Context, executionID string, id int64) (*models.HistoryEvent, error) {
	defer r.p.lock()()

	for _, event := range r.p.s.state.history[executionID] {
		if event.ID == id {
			copied := *event

			return &copied, nil
		}
	}

	return nil, persistence.NewExecutionError("GetHistory", executionID,
		fmt.Errorf("%w: id %d", persistence.ErrHistoryEventNotFound, id))
}

func (r *historyRepository) List(_ context.Context, executionID string, afterID int64, limit int) ([]*models.HistoryEvent, error) {
	defer r.p.lock()()

	events := make([]*models.HistoryEvent, 0)

	for _, event := range r.p.s.state.history[executionID] {
		if event.ID <= afterID {
			continue
		}

		if limit > 0 && len(events) == limit {
			break
		}

		copied := *event
		events = append(events, &copied)
	}

	return events, nil
}

func (r *historyRepository) Count(_ context.Context, executionID string) (int64, error) {
	defer r.p.lock()()

	return int64(len(r.p.s.state.history[executionID])), nil
}

func (r *historyRepository) FindSignal(_ context.Context, executionID, signalName string) ([]*models.HistoryEvent, error) {
	defer r.p.lock()()

	events := make([]*models.HistoryEvent, 0)

	for _, event := range r.p.s.state.history[executionID] {
		var match bool

		switch event.EventType {
		case models.EventWorkflowSignalled:
			var signal models.WorkflowSignalled
			match = json.Unmarshal(event.Attributes, &signal) == nil && signal.SignalName == signalName
		case models.EventActivityTaskScheduled:
			var scheduled models.ActivityTaskScheduled
			match = json.Unmarshal(event.Attributes, &scheduled) == nil && scheduled.AsyncSignal == signalName
		}

		if match {
			copied := *event
			events = append(events, &copied)
		}
	}

	return events, nil
}
