// Package models defines the entities of the orchestration engine: executions and their
// state machine, history events, task list entries and workflow/activity definitions.
package models

import (
	"encoding/json"
	"time"
)

const DefaultDecisionList = "decider"

// Execution is one run of a workflow definition. Version is the optimistic concurrency
// counter; every successful update increments it.
type Execution struct {
	ExecutionID                  string     `json:"executionId"`
	JobID                        string     `json:"jobId"`
	WorkflowName                 string     `json:"workflowName"`
	WorkflowVersion              int64      `json:"workflowVersion"`
	DecisionList                 string     `json:"decisionList"`
	State                        ExState    `json:"state"`
	AwaitingDecision             bool       `json:"awaitingDecision"`
	DeciderToken                 string     `json:"deciderToken,omitempty"`
	DeciderAlarm                 *time.Time `json:"deciderAlarm,omitempty"`
	HistorySeen                  int64      `json:"historySeen"`
	LastSeen                     time.Time  `json:"lastSeen"`
	ExecutionStartToCloseTimeout *int       `json:"executionStartToCloseTimeout,omitempty"`
	TaskScheduleToCloseTimeout   *int       `json:"taskScheduleToCloseTimeout,omitempty"`
	TaskScheduleToStartTimeout   *int       `json:"taskScheduleToStartTimeout,omitempty"`
	TaskStartToCloseTimeout      *int       `json:"taskStartToCloseTimeout,omitempty"`
	Version                      int64      `json:"-"`
}

// Claimed reports whether a decider currently holds the execution.
func (e *Execution) Claimed() bool {
	return e.DeciderToken != ""
}

// Clone returns a copy that shares no pointers with e.
func (e *Execution) Clone() *Execution {
	c := *e
	if e.DeciderAlarm != nil {
		alarm := *e.DeciderAlarm
		c.DeciderAlarm = &alarm
	}

	c.ExecutionStartToCloseTimeout = cloneInt(e.ExecutionStartToCloseTimeout)
	c.TaskScheduleToCloseTimeout = cloneInt(e.TaskScheduleToCloseTimeout)
	c.TaskScheduleToStartTimeout = cloneInt(e.TaskScheduleToStartTimeout)
	c.TaskStartToCloseTimeout = cloneInt(e.TaskStartToCloseTimeout)

	return &c
}

// ExecutionSummary is a row of the executions listing.
type ExecutionSummary struct {
	ExecutionID string    `json:"executionId"`
	JobID       string    `json:"jobId"`
	Started     time.Time `json:"started"`
}

// ExecutionFilter narrows the executions listing. Empty fields match everything.
type ExecutionFilter struct {
	JobID    string
	Workflow string
	State    ExState
	After    *time.Time
}

// Variable is an execution-scoped named JSON value.
type Variable struct {
	ExecutionID string          `json:"executionId"`
	Name        string          `json:"name"`
	Value       json.RawMessage `json:"value"`
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}

	c := *v

	return &c
}

// IntPtr is a convenience for optional integer fields.
func IntPtr(v int) *int {
	return &v
}
