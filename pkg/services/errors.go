// Package services implements the client-facing operations of the engine: starting and
// commanding executions, reading their history and variables, and managing definitions.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/flowcore/pkg/persistence"
)

const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeInternal   = "internal"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidInput      = errors.New("input does not match the workflow input schema")
	ErrWorkflowNameEmpty = errors.New("workflow name is required")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewValidationError(op, message string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: CodeValidation, Message: message, Err: err}
}

func NewNotFoundError(op, message string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: CodeNotFound, Message: message, Err: err}
}

func NewConflictError(op, message string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: CodeConflict, Message: message, Err: err}
}

func hasCode(err error, code string) bool {
	var serviceErr *ServiceError

	return errors.As(err, &serviceErr) && serviceErr.Code == code
}

// IsValidationError checks if an error should be reported as HTTP 400.
func IsValidationError(err error) bool {
	return hasCode(err, CodeValidation) || errors.Is(err, ErrInvalidRequest)
}

// IsNotFoundError checks if an error should be reported as HTTP 404.
func IsNotFoundError(err error) bool {
	return hasCode(err, CodeNotFound) || persistence.IsNotFound(err)
}

// IsConflictError checks if an error should be reported as HTTP 409.
func IsConflictError(err error) bool {
	return hasCode(err, CodeConflict) || persistence.IsConflict(err)
}

// wrap classifies a persistence error for op.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case persistence.IsNotFound(err):
		return NewNotFoundError(op, err.Error(), err)
	case persistence.IsConflict(err):
		return NewConflictError(op, err.Error(), err)
	default:
		return &ServiceError{Op: op, Code: CodeInternal, Err: err}
	}
}
