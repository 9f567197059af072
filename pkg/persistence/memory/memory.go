// Package memory provides an in-process implementation of the versioned store with the same
// compare-and-swap contract as the PostgreSQL store. Transactions are serialised: WithTx holds
// the store lock for the duration of fn and restores a snapshot when fn fails.
package memory

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
)

const genericConfigVersion = -1

type state struct {
	executions map[string]*models.Execution
	historyIDs map[string]int64
	history    map[string][]*models.HistoryEvent
	tasks      map[string]*models.TaskListEntry
	variables  map[string]map[string]json.RawMessage
	workflows  map[string]map[int64]json.RawMessage
	activities map[string]map[int64]json.RawMessage
	configs    map[string]map[int64]json.RawMessage
}

func newState() *state {
	return &state{
		executions: make(map[string]*models.Execution),
		historyIDs: make(map[string]int64),
		history:    make(map[string][]*models.HistoryEvent),
		tasks:      make(map[string]*models.TaskListEntry),
		variables:  make(map[string]map[string]json.RawMessage),
		workflows:  make(map[string]map[int64]json.RawMessage),
		activities: make(map[string]map[int64]json.RawMessage),
		configs:    make(map[string]map[int64]json.RawMessage),
	}
}

// clone copies the maps; stored entities are replaced on write, never mutated, so they can be shared.
func (s *state) clone() *state {
	c := &state{
		executions: maps.Clone(s.executions),
		historyIDs: maps.Clone(s.historyIDs),
		history:    make(map[string][]*models.HistoryEvent, len(s.history)),
		tasks:      maps.Clone(s.tasks),
		variables:  cloneNested(s.variables),
		workflows:  cloneNested(s.workflows),
		activities: cloneNested(s.activities),
		configs:    cloneNested(s.configs),
	}

	for id, events := range s.history {
		c.history[id] = append([]*models.HistoryEvent(nil), events...)
	}

	return c
}

func cloneNested[K comparable](m map[string]map[K]json.RawMessage) map[string]map[K]json.RawMessage {
	c := make(map[string]map[K]json.RawMessage, len(m))
	for k, v := range m {
		c[k] = maps.Clone(v)
	}

	return c
}

type store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

// Persistence implements persistence.Persistence in memory.
type Persistence struct {
	s    *store
	inTx bool
}

type Option func(*store)

// WithClock overrides the clock used to timestamp history events.
func WithClock(now func() time.Time) Option {
	return func(s *store) {
		s.now = now
	}
}

func NewPersistence(opts ...Option) *Persistence {
	s := &store{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return &Persistence{s: s}
}

func (p *Persistence) lock() func() {
	if p.inTx {
		return func() {}
	}

	p.s.mu.Lock()

	return p.s.mu.Unlock
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return &executionRepository{p: p}
}

func (p *Persistence) HistoryRepository() persistence.HistoryRepository {
	return &historyRepository{p: p}
}

func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return &taskRepository{p: p}
}

func (p *Persistence) VariableRepository() persistence.VariableRepository {
	return &variableRepository{p: p}
}

func (p *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return &definitionRepository{p: p}
}

// WithTx runs fn with exclusive access to the store. fn must only use the tx it is given.
func (p *Persistence) WithTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Persistence) error) error {
	if p.inTx {
		return fn(ctx, p)
	}

	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	snapshot := p.s.state.clone()

	err := fn(ctx, &Persistence{s: p.s, inTx: true})
	if err != nil {
		p.s.state = snapshot

		return err
	}

	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}
