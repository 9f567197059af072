package decider

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/dukex/flowcore/pkg/log"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/persistence/memory"
	"github.com/dukex/flowcore/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelease_KeepsConcurrentAwaitingDecision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	workflow := testutil.AdderWorkflow()
	testutil.Seed(t, store, workflow)
	started := testutil.StartExecution(t, store, workflow, `{"x":5,"y":3}`)

	d := New(store, log.Discard(), "")

	execution, err := d.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, execution)
	assert.Equal(t, started.ExecutionID, execution.ExecutionID)

	p, err := newPass(ctx, d.logger, store, execution)
	require.NoError(t, err)
	require.NoError(t, p.run(ctx))

	_, err = d.storeDecisions(ctx, p)
	require.NoError(t, err)

	concurrent, err := store.ExecutionRepository().GetByID(ctx, execution.ExecutionID)
	require.NoError(t, err)

	concurrent.AwaitingDecision = true
	require.NoError(t, store.ExecutionRepository().Update(ctx, concurrent))

	require.NoError(t, d.release(ctx, p))

	released, err := store.ExecutionRepository().GetByID(ctx, execution.ExecutionID)
	require.NoError(t, err)
	assert.True(t, released.AwaitingDecision)
	assert.False(t, released.Claimed())
	assert.Equal(t, int64(1), released.HistorySeen)
}

func TestRelease_ConcurrentStopWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	workflow := testutil.AdderWorkflow(testutil.WithCleanup())
	testutil.Seed(t, store, workflow)
	testutil.StartExecution(t, store, workflow, `{"x":5}`)

	d := New(store, log.Discard(), "")

	execution, err := d.claim(ctx)
	require.NoError(t, err)

	p, err := newPass(ctx, d.logger, store, execution)
	require.NoError(t, err)

	p.state = models.StateCleanup

	stopped, err := store.ExecutionRepository().GetByID(ctx, execution.ExecutionID)
	require.NoError(t, err)

	stopped.State = models.StateStopped
	require.NoError(t, store.ExecutionRepository().Update(ctx, stopped))

	require.NoError(t, d.release(ctx, p))

	released, err := store.ExecutionRepository().GetByID(ctx, execution.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, released.State)
}

// conflictingStore fails the next n execution updates made outside a transaction.
type conflictingStore struct {
	persistence.Persistence

	conflicts *atomic.Int32
}

func (s conflictingStore) ExecutionRepository() persistence.ExecutionRepository {
	return conflictingExecutions{ExecutionRepository: s.Persistence.ExecutionRepository(), conflicts: s.conflicts}
}

type conflictingExecutions struct {
	persistence.ExecutionRepository

	conflicts *atomic.Int32
}

func (r conflictingExecutions) Update(ctx context.Context, execution *models.Execution) error {
	if r.conflicts.Add(-1) >= 0 {
		return persistence.ErrConflict
	}

	return r.ExecutionRepository.Update(ctx, execution)
}

func TestDecide_FailedReleaseKeepsProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := conflictingStore{Persistence: memory.NewPersistence(), conflicts: &atomic.Int32{}}
	workflow := testutil.AdderWorkflow()
	testutil.Seed(t, store, workflow)
	started := testutil.StartExecution(t, store, workflow, `{"x":5,"y":3}`)

	d := New(store, log.Discard(), "")

	execution, err := d.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, execution)

	// Both release attempts conflict; the give-up write goes through.
	store.conflicts.Store(2)
	require.NoError(t, d.decide(ctx, execution))

	flagged, err := store.ExecutionRepository().GetByID(ctx, started.ExecutionID)
	require.NoError(t, err)
	assert.True(t, flagged.AwaitingDecision)
	assert.False(t, flagged.Claimed())
	assert.Equal(t, int64(1), flagged.HistorySeen)
	assert.Equal(t, models.StateRunning, flagged.State)

	stepped, err := d.Step(ctx)
	require.NoError(t, err)
	assert.True(t, stepped)

	scheduled := 0

	for _, eventType := range testutil.Events(t, store, started.ExecutionID) {
		if eventType == models.EventActivityTaskScheduled {
			scheduled++
		}
	}

	assert.Equal(t, 1, scheduled)

	entries, err := store.TaskRepository().ListByExecution(ctx, started.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDecide_FailedReleaseKeepsStop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := conflictingStore{Persistence: memory.NewPersistence(), conflicts: &atomic.Int32{}}
	workflow := testutil.AdderWorkflow()
	testutil.Seed(t, store, workflow)
	started := testutil.StartExecution(t, store, workflow, `{"x":5,"y":3}`)

	d := New(store, log.Discard(), "")

	execution, err := d.claim(ctx)
	require.NoError(t, err)

	p, err := newPass(ctx, d.logger, store, execution)
	require.NoError(t, err)

	p.state = models.StateStopped
	p.historySeen = 1

	store.conflicts.Store(2)
	require.Error(t, d.release(ctx, p))

	d.retryLater(ctx, execution.ExecutionID, p)

	flagged, err := store.ExecutionRepository().GetByID(ctx, started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, flagged.State)
	assert.Equal(t, int64(1), flagged.HistorySeen)
	assert.False(t, flagged.Claimed())

	stepped, err := d.Step(ctx)
	require.NoError(t, err)
	assert.False(t, stepped)
}

func TestPass_Inputs(t *testing.T) {
	t.Parallel()

	p := &pass{
		variables: map[string]json.RawMessage{
			"job":   json.RawMessage(`{"file":{"name":"a.mxf"},"size":null}`),
			"empty": nil,
		},
	}

	node := &models.TaskNode{
		TaskID:   "T",
		Outflows: []models.Outflow{{Name: "Out"}, {Name: "Error"}},
		Inputs: map[string]models.InputDecl{
			"name":     {Var: "job", Path: "$.file.name"},
			"size":     {Var: "job", Path: "$.size", Default: json.RawMessage(`1`)},
			"missing":  {Var: "job", Path: "$.other", Default: json.RawMessage(`"none"`)},
			"whole":    {Var: "job"},
			"fallback": {Var: "empty", Path: "$.x", Default: json.RawMessage(`7`)},
			"literal":  {Lit: json.RawMessage(`{"k":true}`)},
			"nothing":  {},
		},
	}

	input, err := p.input(node)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"$outflows": ["Out", "Error"],
		"name": "a.mxf",
		"size": null,
		"missing": "none",
		"whole": {"file":{"name":"a.mxf"},"size":null},
		"fallback": 7,
		"literal": {"k":true},
		"nothing": null
	}`, string(input))

	node.Inputs["strict"] = models.InputDecl{Var: "job", Path: "$.other", Required: true}

	_, err = p.input(node)
	require.ErrorIs(t, err, ErrRequiredValue)

	delete(node.Inputs, "strict")
	node.Inputs["unknown"] = models.InputDecl{Var: "nope"}

	_, err = p.input(node)
	require.ErrorIs(t, err, ErrUnknownVariable)
}
