// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrConflict indicates an optimistic concurrency check failed: the row changed since it was read.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrTaskNotFound indicates no task list entry holds the given token.
	ErrTaskNotFound = errors.New("task not found")

	// ErrHistoryEventNotFound indicates a history id does not exist for the execution.
	ErrHistoryEventNotFound = errors.New("history event not found")

	// ErrWorkflowNotFound indicates a workflow definition was not found by name and version.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrActivityNotFound indicates an activity definition was not found by name and version.
	ErrActivityNotFound = errors.New("activity not found")

	// ErrConfigNotFound indicates no workflow config matches the requested name and version.
	ErrConfigNotFound = errors.New("workflow config not found")
)

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "Update", "GetByID")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// TaskError wraps task list errors with the task token.
type TaskError struct {
	Op        string
	TaskToken string
	Err       error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s operation failed for task %s: %v", e.Op, e.TaskToken, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewTaskError(op, taskToken string, err error) *TaskError {
	return &TaskError{Op: op, TaskToken: taskToken, Err: err}
}

// DefinitionError wraps workflow/activity definition errors.
type DefinitionError struct {
	Op      string
	Name    string
	Version string // empty when the operation targets every version
	Err     error
}

func (e *DefinitionError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Name, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s v%s: %v", e.Op, e.Name, e.Version, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewDefinitionError(op, name, version string, err error) *DefinitionError {
	return &DefinitionError{Op: op, Name: name, Version: version, Err: err}
}

// IsConflict checks if an error is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsTaskNotFound checks if an error indicates a task was not found.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsActivityNotFound(err error) bool {
	return errors.Is(err, ErrActivityNotFound)
}

// IsNotFound checks for any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrHistoryEventNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrActivityNotFound) ||
		errors.Is(err, ErrConfigNotFound)
}
