package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	StartActivityName   = "start"
	CleanupActivityName = "cleanup"
	DefaultOutflow      = "Out"
	DefaultTargetPin    = "In"
)

var (
	ErrTaskNotDefined    = errors.New("task not defined in workflow")
	ErrOutflowNotDefined = errors.New("outflow not defined for task")
)

// WorkflowDefinition is an immutable, versioned task graph.
type WorkflowDefinition struct {
	ObjType                             string                  `json:"objtype,omitempty"`
	Name                                string                  `json:"name" validate:"required"`
	Version                             string                  `json:"version" validate:"required"`
	Description                         string                  `json:"description,omitempty"`
	DecisionList                        string                  `json:"decisionList,omitempty"`
	DefaultExecutionStartToCloseTimeout *int                    `json:"defaultExecutionStartToCloseTimeout,omitempty"`
	DefaultTaskStartToCloseTimeout      *int                    `json:"defaultTaskStartToCloseTimeout,omitempty"`
	InputSchema                         json.RawMessage         `json:"inputSchema,omitempty"`
	InputSchemaVersion                  string                  `json:"inputSchemaVersion,omitempty"`
	Variables                           map[string]VariableDecl `json:"variables,omitempty"`
	Tasks                               []*TaskNode             `json:"tasks" validate:"required,min=1,dive"`
}

// VariableDecl initialises a variable from a literal or from a path into the workflow input.
type VariableDecl struct {
	Lit         json.RawMessage `json:"lit,omitempty"`
	Type        string          `json:"type,omitempty"`
	Path        string          `json:"path,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Default     json.RawMessage `json:"default,omitempty"`
	Description string          `json:"description,omitempty"`
}

// TaskNode is one node of the workflow graph.
type TaskNode struct {
	TaskID                 string                `json:"taskId" validate:"required"`
	ActivityName           string                `json:"activityName" validate:"required"`
	ActivityVersion        string                `json:"activityVersion" validate:"required"`
	AsyncSignal            string                `json:"asyncSignal,omitempty"`
	Inputs                 map[string]InputDecl  `json:"inputs,omitempty"`
	Outputs                map[string]OutputDecl `json:"outputs,omitempty"`
	Outflows               []Outflow             `json:"outflows,omitempty"`
	FailOutflow            *Outflow              `json:"failOutflow,omitempty"`
	TaskList               string                `json:"taskList,omitempty"`
	HeartbeatTimeout       *int                  `json:"heartbeatTimeout,omitempty"`
	ScheduleToCloseTimeout *int                  `json:"scheduleToCloseTimeout,omitempty"`
	ScheduleToStartTimeout *int                  `json:"scheduleToStartTimeout,omitempty"`
	StartToCloseTimeout    *int                  `json:"startToCloseTimeout,omitempty"`
	TaskPriority           *int                  `json:"taskPriority,omitempty"`
}

// InputDecl sources a task input from a variable (optionally through a path) or a literal.
type InputDecl struct {
	Var         string          `json:"var,omitempty"`
	Lit         json.RawMessage `json:"lit,omitempty"`
	Type        string          `json:"type,omitempty"`
	Path        string          `json:"path,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Default     json.RawMessage `json:"default,omitempty"`
	Description string          `json:"description,omitempty"`
	UserDefined bool            `json:"userDefined,omitempty"`
	Hidden      bool            `json:"hidden,omitempty"`
}

// OutputDecl maps an activity result key onto a workflow variable.
type OutputDecl struct {
	Var         string          `json:"var,omitempty"`
	Type        string          `json:"type,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
	UserDefined bool            `json:"userDefined,omitempty"`
}

type Outflow struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	TargetPin string `json:"targetPin,omitempty"`
	Route     string `json:"route,omitempty"`
}

// Task returns the node with the given id.
func (w *WorkflowDefinition) Task(taskID string) (*TaskNode, error) {
	for _, task := range w.Tasks {
		if task.TaskID == taskID {
			return task, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrTaskNotDefined, taskID)
}

// TaskByActivity returns the first node running the named activity, or nil.
func (w *WorkflowDefinition) TaskByActivity(activityName string) *TaskNode {
	for _, task := range w.Tasks {
		if task.ActivityName == activityName {
			return task
		}
	}

	return nil
}

// EntryTask follows the "Out" edge of the node running the given special activity.
func (w *WorkflowDefinition) EntryTask(activityName string) (*TaskNode, error) {
	node := w.TaskByActivity(activityName)
	if node == nil {
		return nil, fmt.Errorf("%w: no %q activity", ErrTaskNotDefined, activityName)
	}

	return w.Follow(node, DefaultOutflow)
}

// Follow returns the target of the named outflow of node.
func (w *WorkflowDefinition) Follow(node *TaskNode, outflow string) (*TaskNode, error) {
	for _, o := range node.Outflows {
		if o.Name == outflow {
			return w.Task(o.Target)
		}
	}

	return nil, fmt.Errorf("%w: %q on task %q", ErrOutflowNotDefined, outflow, node.TaskID)
}

// EffectiveDecisionList applies the default queue name.
func (w *WorkflowDefinition) EffectiveDecisionList() string {
	if w.DecisionList == "" {
		return DefaultDecisionList
	}

	return w.DecisionList
}

// Terminal reports whether the node ends the workflow.
func (t *TaskNode) Terminal() bool {
	return len(t.Outflows) == 0
}

// OutflowNames lists the names of the node's outflows in declaration order.
func (t *TaskNode) OutflowNames() []string {
	names := make([]string, 0, len(t.Outflows))
	for _, o := range t.Outflows {
		names = append(names, o.Name)
	}

	return names
}

// ActivityDefinition describes a unit of work and its scheduling defaults.
type ActivityDefinition struct {
	ObjType                           string                `json:"objtype,omitempty"`
	Name                              string                `json:"name" validate:"required"`
	Version                           string                `json:"version" validate:"required"`
	DefaultTaskList                   string                `json:"defaultTaskList" validate:"required"`
	DefaultTaskScheduleToCloseTimeout *int                  `json:"defaultTaskScheduleToCloseTimeout,omitempty"`
	DefaultTaskScheduleToStartTimeout *int                  `json:"defaultTaskScheduleToStartTimeout,omitempty"`
	DefaultTaskStartToCloseTimeout    *int                  `json:"defaultTaskStartToCloseTimeout,omitempty"`
	DefaultTaskHeartbeatTimeout       *int                  `json:"defaultTaskHeartbeatTimeout,omitempty"`
	DefaultPriority                   *int                  `json:"defaultPriority,omitempty"`
	AllowUserInputs                   bool                  `json:"allowUserInputs,omitempty"`
	Inputs                            map[string]InputDecl  `json:"inputs,omitempty"`
	Outputs                           map[string]OutputDecl `json:"outputs,omitempty"`
	Description                       string                `json:"description,omitempty"`
}

// DefinitionID names one stored version of a workflow or activity.
type DefinitionID struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// WorkflowConfig is an opaque configuration document for a workflow. A nil Version marks the
// generic config that applies to every version without a specific one.
type WorkflowConfig struct {
	WorkflowName    string          `json:"workflowName"`
	WorkflowVersion *int64          `json:"workflowVersion,omitempty"`
	JSON            json.RawMessage `json:"json"`
}
