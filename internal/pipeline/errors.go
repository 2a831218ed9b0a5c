package pipeline

import (
	"errors"
	"fmt"
)

// ErrorType classifies a pipeline error
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeExecution    ErrorType = "execution"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeCancellation ErrorType = "cancellation"
	ErrorTypeRejection    ErrorType = "rejection"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeInvalidState ErrorType = "invalid_state"
)

// Error is a typed pipeline error carrying the failing stage and whether the
// operation may be retried.
type Error struct {
	Type      ErrorType `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "unknown pipeline error"
	}
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Type, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewValidationError creates a non-retryable validation error
func NewValidationError(stage, message string) *Error {
	return &Error{Type: ErrorTypeValidation, Stage: stage, Message: message}
}

// NewExecutionError wraps a stage execution failure
func NewExecutionError(stage string, cause error, retryable bool) *Error {
	return &Error{
		Type:      ErrorTypeExecution,
		Stage:     stage,
		Message:   "stage execution failed",
		Cause:     cause,
		Retryable: retryable,
	}
}

// NewTimeoutError creates a retryable timeout error
func NewTimeoutError(stage string, timeout string) *Error {
	return &Error{
		Type:      ErrorTypeTimeout,
		Stage:     stage,
		Message:   fmt.Sprintf("stage exceeded timeout of %s", timeout),
		Retryable: true,
	}
}

// NewCancellationError marks a run cancelled at the given stage
func NewCancellationError(stage string) *Error {
	return &Error{
		Type:    ErrorTypeCancellation,
		Stage:   stage,
		Message: "run was cancelled",
	}
}

// NewRejectionError marks a run rejected at a control point
func NewRejectionError(pointID, actor string) *Error {
	return &Error{
		Type:    ErrorTypeRejection,
		Message: fmt.Sprintf("control point %s rejected by %s", pointID, actor),
	}
}

// NewNotFoundError reports an unknown run or stage
func NewNotFoundError(what, id string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: fmt.Sprintf("%s not found: %s", what, id),
	}
}

// NewInvalidStateError reports an illegal run state transition
func NewInvalidStateError(runID string, from RunStatus, op string) *Error {
	return &Error{
		Type:    ErrorTypeInvalidState,
		Message: fmt.Sprintf("cannot %s run %s in state %s", op, runID, from),
	}
}

// IsRetryable reports whether the error is worth retrying
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return false
}

// TypeOf returns the pipeline error type, or "" for foreign errors
func TypeOf(err error) ErrorType {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Type
	}
	return ""
}
