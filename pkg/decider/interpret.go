package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dukex/flowcore/pkg/history"
	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/version"
	"github.com/google/uuid"
)

// pass is one decider run over the unseen history of a claimed execution.
type pass struct {
	logger      *slog.Logger
	store       persistence.Persistence
	execution   *models.Execution
	workflow    *models.WorkflowDefinition
	variables   map[string]json.RawMessage
	dirty       map[string]struct{}
	decisions   []models.Event
	state       models.ExState
	historySeen int64
	cancelTasks bool
}

func newPass(ctx context.Context, logger *slog.Logger, store persistence.Persistence, execution *models.Execution) (*pass, error) {
	workflowVersion := execution.WorkflowVersion

	workflow, err := store.DefinitionRepository().Workflow(ctx, execution.WorkflowName, &workflowVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	stored, err := store.VariableRepository().List(ctx, execution.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}

	variables := make(map[string]json.RawMessage, len(stored))
	for _, variable := range stored {
		variables[variable.Name] = variable.Value
	}

	return &pass{
		logger:    logger,
		store:     store,
		execution: execution,
		workflow:  workflow,
		variables: variables,
		dirty:     make(map[string]struct{}),
		state:     execution.State,
	}, nil
}

// stoppingPass fails and stops an execution whose workflow can no longer be loaded.
func stoppingPass(logger *slog.Logger, store persistence.Persistence, execution *models.Execution, cause error) *pass {
	p := &pass{
		logger:    logger,
		store:     store,
		execution: execution,
		workflow:  &models.WorkflowDefinition{},
		variables: make(map[string]json.RawMessage),
		dirty:     make(map[string]struct{}),
		state:     execution.State,
	}

	p.decide(models.WorkflowExecutionFailed{Reason: cause.Error()})
	p.stop()

	return p
}

// run interprets every entry after HistorySeen. A client stop ends the pass without marking the
// stop event as seen.
func (p *pass) run(ctx context.Context) error {
	entries, err := history.New(p.store.HistoryRepository()).Entries(ctx, p.execution.ExecutionID, p.execution.HistorySeen)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		p.logger.DebugContext(ctx, "processing history entry",
			"execution_id", p.execution.ExecutionID, "id", entry.ID, "event_type", entry.EventType)

		if _, ok := entry.Event.(*models.WorkflowStopped); ok {
			p.state = models.StateStopped

			return nil
		}

		err := p.apply(ctx, entry)
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to process history entry",
				"execution_id", p.execution.ExecutionID, "id", entry.ID, "error", err)

			p.decide(models.WorkflowExecutionFailed{Reason: err.Error()})
			p.attemptCleanup(ctx)
		}

		p.historySeen = entry.ID

		if p.state == models.StateStopped {
			return nil
		}
	}

	return nil
}

func (p *pass) apply(ctx context.Context, entry history.Entry) error {
	switch event := entry.Event.(type) {
	case *models.WorkflowExecutionStarted:
		return p.started(ctx, event)
	case *models.WorkflowExecutionCancelled:
		p.cancelTasks = true
		p.attemptCleanup(ctx)
	case *models.ActivityTaskCompleted:
		return p.completed(ctx, event)
	case *models.ActivityTaskFailed:
		return p.failed(ctx, event)
	}

	return nil
}

func (p *pass) decide(event models.Event) {
	p.decisions = append(p.decisions, event)
}

func (p *pass) started(ctx context.Context, event *models.WorkflowExecutionStarted) error {
	for _, name := range sortedKeys(p.workflow.Variables) {
		decl := p.workflow.Variables[name]

		var value json.RawMessage

		switch {
		case strings.TrimSpace(decl.Path) != "":
			selected, found, err := selectPath(event.Input, decl.Path)
			if err != nil {
				return err
			}

			if !found && decl.Required {
				return fmt.Errorf("%w: variable %q", ErrRequiredValue, name)
			}

			value = selected
			if isNull(value) && !isNull(decl.Default) {
				value = decl.Default
			}
		case !isNull(decl.Lit):
			value = decl.Lit
		}

		p.setVariable(name, value)
	}

	entry, err := p.workflow.EntryTask(models.StartActivityName)
	if err != nil {
		return err
	}

	return p.schedule(ctx, entry)
}

func (p *pass) completed(ctx context.Context, event *models.ActivityTaskCompleted) error {
	node, err := p.scheduledNode(ctx, event.SchedulingEventID)
	if err != nil {
		return err
	}

	outflow := models.DefaultOutflow

	var result map[string]json.RawMessage
	if len(event.Result) > 0 && json.Unmarshal(event.Result, &result) == nil && result != nil {
		if hasPlainKey(result) {
			for _, key := range sortedKeys(node.Outputs) {
				output := node.Outputs[key]
				if output.Var == "" {
					continue
				}

				if value, ok := result[key]; ok {
					p.setVariable(output.Var, value)
				}
			}
		}

		if raw, ok := result["$outflow"]; ok {
			var name string
			if json.Unmarshal(raw, &name) != nil {
				return fmt.Errorf("%w: task %q returned %s", ErrInvalidOutflow, node.TaskID, raw)
			}

			outflow = name
		}
	}

	next, err := p.workflow.Follow(node, outflow)
	if err != nil {
		return err
	}

	if next.Terminal() {
		if p.state != models.StateCleanup {
			p.decide(models.WorkflowExecutionCompleted{})
		}

		p.attemptCleanup(ctx)

		return nil
	}

	return p.schedule(ctx, next)
}

func (p *pass) failed(ctx context.Context, event *models.ActivityTaskFailed) error {
	node, err := p.scheduledNode(ctx, event.SchedulingEventID)
	if err != nil {
		return err
	}

	if node.FailOutflow != nil && node.FailOutflow.Target != "" {
		next, err := p.workflow.Task(node.FailOutflow.Target)
		if err != nil {
			return err
		}

		err = p.schedule(ctx, next)
		if err != nil {
			return err
		}
	}

	p.decide(models.WorkflowExecutionFailed{
		Reason: fmt.Sprintf("Task %s failed with no recovery action defined", node.TaskID),
	})
	p.attemptCleanup(ctx)

	return nil
}

func (p *pass) scheduledNode(ctx context.Context, scheduledEventID int64) (*models.TaskNode, error) {
	scheduled, err := history.New(p.store.HistoryRepository()).Scheduled(ctx, p.execution.ExecutionID, scheduledEventID)
	if err != nil {
		return nil, err
	}

	node, err := p.workflow.Task(scheduled.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownTask, err)
	}

	return node, nil
}

// attemptCleanup moves the execution into its cleanup graph, or stops it when it is already
// cleaning up or has no usable cleanup graph.
func (p *pass) attemptCleanup(ctx context.Context) {
	if p.state == models.StateCleanup || p.state == models.StateStopped {
		p.stop()

		return
	}

	if p.workflow.TaskByActivity(models.CleanupActivityName) == nil {
		p.stop()

		return
	}

	entry, err := p.workflow.EntryTask(models.CleanupActivityName)
	if err == nil {
		var scheduled *models.ActivityTaskScheduled

		scheduled, err = p.scheduled(ctx, entry)
		if err == nil {
			p.state = models.StateCleanup
			p.decide(models.WorkflowCleanupStarted{})
			p.decide(*scheduled)

			return
		}
	}

	p.logger.ErrorContext(ctx, "failed to start cleanup",
		"execution_id", p.execution.ExecutionID, "error", err)
	p.stop()
}

func (p *pass) stop() {
	if p.state == models.StateStopped {
		return
	}

	p.state = models.StateStopped
	p.decide(models.WorkflowStopped{})
}

func (p *pass) schedule(ctx context.Context, node *models.TaskNode) error {
	scheduled, err := p.scheduled(ctx, node)
	if err != nil {
		return err
	}

	p.decide(*scheduled)

	return nil
}

// scheduled builds the scheduling event of node. Task settings override the activity defaults;
// start-to-close is never defaulted.
func (p *pass) scheduled(ctx context.Context, node *models.TaskNode) (*models.ActivityTaskScheduled, error) {
	packed, err := version.Encode(node.ActivityVersion)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", node.TaskID, err)
	}

	activity, err := p.store.DefinitionRepository().Activity(ctx, node.ActivityName, &packed)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", node.TaskID, err)
	}

	input, err := p.input(node)
	if err != nil {
		return nil, err
	}

	taskList := node.TaskList
	if taskList == "" {
		taskList = activity.DefaultTaskList
	}

	priority := 0
	if activity.DefaultPriority != nil {
		priority = *activity.DefaultPriority
	}

	if node.TaskPriority != nil {
		priority = *node.TaskPriority
	}

	return &models.ActivityTaskScheduled{
		ActivityID:             uuid.NewString(),
		ActivityName:           node.ActivityName,
		ActivityVersion:        node.ActivityVersion,
		TaskID:                 node.TaskID,
		AsyncSignal:            node.AsyncSignal,
		Input:                  input,
		TaskList:               taskList,
		TaskPriority:           priority,
		HeartbeatTimeout:       firstSet(node.HeartbeatTimeout, activity.DefaultTaskHeartbeatTimeout),
		ScheduleToCloseTimeout: firstSet(node.ScheduleToCloseTimeout, activity.DefaultTaskScheduleToCloseTimeout),
		ScheduleToStartTimeout: firstSet(node.ScheduleToStartTimeout, activity.DefaultTaskScheduleToStartTimeout),
		StartToCloseTimeout:    node.StartToCloseTimeout,
	}, nil
}

// input resolves the declared inputs of node against the current variables.
func (p *pass) input(node *models.TaskNode) (json.RawMessage, error) {
	outflows, err := json.Marshal(node.OutflowNames())
	if err != nil {
		return nil, err
	}

	inputs := map[string]json.RawMessage{"$outflows": outflows}

	for _, name := range sortedKeys(node.Inputs) {
		decl := node.Inputs[name]

		value, err := p.resolve(node.TaskID, decl)
		if err != nil {
			return nil, err
		}

		if len(value) == 0 {
			value = json.RawMessage("null")
		}

		inputs[name] = value
	}

	return json.Marshal(inputs)
}

func (p *pass) resolve(taskID string, decl models.InputDecl) (json.RawMessage, error) {
	if decl.Var == "" {
		return decl.Lit, nil
	}

	variable, ok := p.variables[decl.Var]
	if !ok {
		return nil, fmt.Errorf("%w: %q for task %q", ErrUnknownVariable, decl.Var, taskID)
	}

	if strings.TrimSpace(decl.Path) == "" {
		return variable, nil
	}

	missing := fmt.Errorf("%w: input %s[%s] for task %q", ErrRequiredValue, decl.Var, decl.Path, taskID)

	if len(variable) == 0 {
		if decl.Required {
			return nil, missing
		}

		return decl.Default, nil
	}

	value, found, err := selectPath(variable, decl.Path)
	if err != nil {
		return nil, err
	}

	if !found {
		if decl.Required {
			return nil, missing
		}

		return decl.Default, nil
	}

	return value, nil
}

func (p *pass) setVariable(name string, value json.RawMessage) {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}

	p.variables[name] = value
	p.dirty[name] = struct{}{}
}

func hasPlainKey(result map[string]json.RawMessage) bool {
	for key := range result {
		if !strings.HasPrefix(key, "$") {
			return true
		}
	}

	return false
}

func firstSet(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
