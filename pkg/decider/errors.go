package decider

import "errors"

var (
	// ErrRequiredValue is raised when a required variable or input cannot be resolved.
	ErrRequiredValue = errors.New("required value not available")
	// ErrInvalidOutflow is raised when a task result names its outflow with a non-string.
	ErrInvalidOutflow = errors.New("task outflow identifier must be a string")
	// ErrUnknownTask is raised when a scheduled event refers to a task the workflow lacks.
	ErrUnknownTask = errors.New("unknown workflow task")
	// ErrUnknownVariable is raised when an input reads a variable the execution never declared.
	ErrUnknownVariable = errors.New("unknown workflow variable")
	ErrUnsupportedPath = errors.New("unsupported path expression")
)
