package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/flowcore/pkg/eventbus"
	"github.com/dukex/flowcore/pkg/events"
	"github.com/dukex/flowcore/pkg/history"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/notify"
	"github.com/dukex/flowcore/pkg/otelhelper"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/retry"
	"github.com/dukex/flowcore/pkg/version"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// CommandAttempts bounds the retries of a state change that keeps conflicting.
	CommandAttempts = 4
	// HistoryMax caps one page of history.
	HistoryMax = 1000
)

type Executions struct {
	store     persistence.Persistence
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	notifier  notify.Notifier
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Executions)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(s *Executions) {
		s.publisher = publisher
	}
}

func WithNotifier(notifier notify.Notifier) Option {
	return func(s *Executions) {
		s.notifier = notifier
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Executions) {
		s.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Executions) {
		s.now = now
	}
}

func NewExecutions(store persistence.Persistence, logger *slog.Logger, opts ...Option) *Executions {
	s := &Executions{
		store:  store,
		logger: logger,
		tracer: otelhelper.NoopTracer(),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// HealthCheck checks the health of the persistence layer.
func (s *Executions) HealthCheck(ctx context.Context) (string, bool) {
	if s.store == nil {
		return "Persistence layer not initialized", false
	}

	err := s.store.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Start creates a running execution of the requested workflow together with its started
// event and returns the new execution id.
func (s *Executions) Start(ctx context.Context, req *models.WorkflowExecutionStarted) (string, error) {
	const op = "StartExecution"

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "executions.start",
		attribute.String(otelhelper.WorkflowNameKey, req.WorkflowName))
	defer span.End()

	if req.WorkflowName == "" {
		return "", NewValidationError(op, ErrWorkflowNameEmpty.Error(), ErrWorkflowNameEmpty)
	}

	var requested *int64

	if req.WorkflowVersion != "" {
		packed, err := version.Encode(req.WorkflowVersion)
		if err != nil {
			return "", NewValidationError(op, err.Error(), err)
		}

		requested = &packed
	}

	workflow, err := s.store.DefinitionRepository().Workflow(ctx, req.WorkflowName, requested)
	if err != nil {
		return "", wrap(op, err)
	}

	packed, err := version.Encode(workflow.Version)
	if err != nil {
		return "", wrap(op, fmt.Errorf("failed to encode stored workflow version: %w", err))
	}

	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	if !json.Valid(input) {
		return "", NewValidationError(op, "input is not valid JSON", ErrInvalidRequest)
	}

	err = validateInput(workflow.InputSchema, input)
	if err != nil {
		return "", NewValidationError(op, err.Error(), err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", wrap(op, err)
	}

	started := *req
	started.WorkflowVersion = workflow.Version
	started.Input = input
	started.DecisionList = firstString(req.DecisionList, workflow.EffectiveDecisionList())

	execution := &models.Execution{
		ExecutionID:                  id.String(),
		JobID:                        gjson.GetBytes(input, "_jobId").String(),
		WorkflowName:                 workflow.Name,
		WorkflowVersion:              packed,
		DecisionList:                 started.DecisionList,
		State:                        models.StateRunning,
		AwaitingDecision:             true,
		LastSeen:                     s.now(),
		ExecutionStartToCloseTimeout: firstInt(req.ExecutionStartToCloseTimeout, workflow.DefaultExecutionStartToCloseTimeout),
		TaskStartToCloseTimeout:      firstInt(req.TaskStartToCloseTimeout, workflow.DefaultTaskStartToCloseTimeout),
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		err := tx.ExecutionRepository().Create(ctx, execution)
		if err != nil {
			return err
		}

		_, err = history.New(tx.HistoryRepository()).Append(ctx, execution.ExecutionID, started)

		return err
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return "", wrap(op, fmt.Errorf("failed to create execution: %w", err))
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ExecutionID))

	s.logger.InfoContext(ctx, "execution started",
		"execution_id", execution.ExecutionID, "job_id", execution.JobID,
		"workflow", workflow.Name, "version", workflow.Version)

	eventbus.Notify(ctx, s.logger, s.publisher, execution.ExecutionID, events.ExecutionStarted{
		BaseEvent:       events.NewBase(events.ExecutionStartedEvent, execution.ExecutionID, execution.JobID),
		WorkflowName:    workflow.Name,
		WorkflowVersion: workflow.Version,
	})
	s.wake(ctx, execution.DecisionList)

	return execution.ExecutionID, nil
}

func validateInput(schema, input json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(input))
	if err != nil {
		return fmt.Errorf("failed to validate input: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}

	return nil
}

func (s *Executions) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := s.store.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, wrap("GetExecution", err)
	}

	return execution, nil
}

// List returns executions matching filter ordered by start time.
func (s *Executions) List(ctx context.Context, filter models.ExecutionFilter) ([]models.ExecutionSummary, error) {
	summaries, err := s.store.ExecutionRepository().List(ctx, filter)
	if err != nil {
		return nil, wrap("ListExecutions", err)
	}

	return summaries, nil
}

// ApplyCommand records an external command and moves the execution to the state it asks for.
// It returns the state the execution is in afterwards; a command the state machine rejects
// leaves the execution untouched and returns its current state.
func (s *Executions) ApplyCommand(ctx context.Context, executionID, command string) (models.ExState, error) {
	const op = "ApplyCommand"

	cmd, err := models.ParseCommand(command)
	if err != nil {
		return "", NewValidationError(op, err.Error(), err)
	}

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "executions.command",
		attribute.String(otelhelper.ExecutionIDKey, executionID))
	defer span.End()

	var (
		execution *models.Execution
		from      models.ExState
		accepted  bool
	)

	policy := retry.Policy{
		MaxAttempts: CommandAttempts,
		IsConflict:  persistence.IsConflict,
		Strategy:    retry.Recompute,
	}

	_, err = policy.Do(ctx, func(ctx context.Context, _ int) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx persistence.Persistence) error {
			var err error

			execution, err = tx.ExecutionRepository().GetByID(ctx, executionID)
			if err != nil {
				return err
			}

			from = execution.State

			accepted = from.Accepts(cmd)
			if !accepted {
				return nil
			}

			_, err = history.New(tx.HistoryRepository()).Append(ctx, executionID, cmd.Event())
			if err != nil {
				return err
			}

			execution.State = cmd.Target()
			if cmd == models.CommandCancel || cmd == models.CommandRun {
				execution.AwaitingDecision = true
			}

			return tx.ExecutionRepository().Update(ctx, execution)
		})
	})

	switch {
	case errors.Is(err, retry.ErrAttemptsExhausted):
		s.logger.InfoContext(ctx, "too many retries to change execution state",
			"execution_id", executionID, "command", cmd)

		current, getErr := s.store.ExecutionRepository().GetByID(ctx, executionID)
		if getErr != nil {
			return "", wrap(op, getErr)
		}

		return current.State, nil
	case err != nil:
		otelhelper.SetError(span, err)

		return "", wrap(op, err)
	}

	if !accepted {
		return execution.State, nil
	}

	s.logger.InfoContext(ctx, "execution command applied",
		"execution_id", executionID, "command", cmd, "from", from, "to", execution.State)

	eventbus.Notify(ctx, s.logger, s.publisher, executionID, events.ExecutionStateChanged{
		BaseEvent: events.NewBase(events.ExecutionStateChangedEvent, executionID, execution.JobID),
		Command:   string(cmd),
		From:      string(from),
		To:        string(execution.State),
	})

	if execution.AwaitingDecision && execution.State.Decidable() {
		s.wake(ctx, execution.DecisionList)
	}

	return execution.State, nil
}

// Signal appends a signal to the execution's history. Signals for unknown executions are
// dropped.
func (s *Executions) Signal(ctx context.Context, executionID string, signal *models.WorkflowSignalled) error {
	const op = "SignalExecution"

	if signal.SignalName == "" {
		return NewValidationError(op, "signalName is required", ErrInvalidRequest)
	}

	_, err := history.New(s.store.HistoryRepository()).Append(ctx, executionID, *signal)

	switch {
	case persistence.IsExecutionNotFound(err):
		s.logger.WarnContext(ctx, "signal for unknown execution ignored",
			"execution_id", executionID, "signal", signal.SignalName)

		return nil
	case err != nil:
		return wrap(op, err)
	}

	s.logger.InfoContext(ctx, "execution signalled", "execution_id", executionID, "signal", signal.SignalName)

	return nil
}

// HistoryQuery selects a page of history. Signal overrides the range and searches the whole
// history for that signal.
type HistoryQuery struct {
	ExecutionID string
	FromID      int64
	For         int
	Signal      string
}

type HistoryPage struct {
	Events []*models.HistoryEvent
	// Count is the total number of events of the execution.
	Count int64
}

func (s *Executions) History(ctx context.Context, query HistoryQuery) (*HistoryPage, error) {
	const op = "ReadHistory"

	historyLog := history.New(s.store.HistoryRepository())

	var (
		page []*models.HistoryEvent
		err  error
	)

	if query.Signal != "" {
		page, err = historyLog.FindSignal(ctx, query.ExecutionID, query.Signal)
	} else {
		limit := query.For
		if limit <= 0 || limit > HistoryMax {
			limit = HistoryMax
		}

		page, err = historyLog.Read(ctx, query.ExecutionID, query.FromID, limit)
	}

	if err != nil {
		return nil, wrap(op, err)
	}

	count, err := historyLog.Count(ctx, query.ExecutionID)
	if err != nil {
		return nil, wrap(op, err)
	}

	return &HistoryPage{Events: page, Count: count}, nil
}

// Variables returns the execution's variables by name.
func (s *Executions) Variables(ctx context.Context, executionID string) (map[string]json.RawMessage, error) {
	variables, err := s.store.VariableRepository().List(ctx, executionID)
	if err != nil {
		return nil, wrap("ListVariables", err)
	}

	values := make(map[string]json.RawMessage, len(variables))
	for _, variable := range variables {
		values[variable.Name] = variable.Value
	}

	return values, nil
}

func (s *Executions) wake(ctx context.Context, decisionList string) {
	if s.notifier == nil {
		return
	}

	err := s.notifier.Notify(ctx, notify.DecisionChannel(decisionList))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to send wake-up", "decision_list", decisionList, "error", err)
	}
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

func firstInt(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}

	return nil
}
