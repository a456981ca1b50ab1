package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: agent call timeouts, temporary agent unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, e.g. a checkpoint written concurrently.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed plans, unknown operations, incompatible checkpoints.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the flow index or concept that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable, and so is an
// expired per-call deadline.
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// ClassOf returns the class of err, treating deadline expiry as transient
// and anything unclassified as permanent.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// CodeOf returns the code of err, or "" when it carries none.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// NewPlanDefinitionError reports a malformed plan: dangling references,
// cycles, duplicate flow indexes. It is fatal at load and never retried.
func NewPlanDefinitionError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodePlanDefinition)
}

// NewAgentExecutionError reports an agent failure for one inference. The
// class decides whether the scheduler retries it.
func NewAgentExecutionError(class ErrorClass, flowIndex, message string, err error) *EngineError {
	return (&EngineError{Class: class, Message: message, Err: err}).
		WithCode(ErrCodeAgentExecution).
		WithResource(flowIndex)
}

// NewDeadlockError reports a cycle that made no progress while work remained.
func NewDeadlockError(cycle int, pending []string) *EngineError {
	return NewPermanentError(fmt.Sprintf("no progress in cycle %d", cycle), nil).
		WithCode(ErrCodeDeadlock).
		WithDetail("pending", pending)
}

// NewReconciliationConflictError reports a checkpoint that cannot be resumed
// against the loaded repositories.
func NewReconciliationConflictError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeReconciliationConflict)
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsPlanDefinitionError reports whether err is a PlanDefinitionError.
func IsPlanDefinitionError(err error) bool {
	return hasCode(err, ErrCodePlanDefinition)
}

// IsAgentExecutionError reports whether err is an AgentExecutionError.
func IsAgentExecutionError(err error) bool {
	return hasCode(err, ErrCodeAgentExecution)
}

// IsDeadlockError reports whether err is a DeadlockError.
func IsDeadlockError(err error) bool {
	return hasCode(err, ErrCodeDeadlock)
}

// IsReconciliationConflictError reports whether err is a ReconciliationConflictError.
func IsReconciliationConflictError(err error) bool {
	return hasCode(err, ErrCodeReconciliationConflict)
}

// Common error codes.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeAlreadyExists          = "ALREADY_EXISTS"
	ErrCodeTimeout                = "TIMEOUT"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeInternal               = "INTERNAL_ERROR"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeCorruptCheckpoint      = "CORRUPT_CHECKPOINT"
	ErrCodePlanDefinition         = "PLAN_DEFINITION"
	ErrCodeAgentExecution         = "AGENT_EXECUTION"
	ErrCodeDeadlock               = "DEADLOCK"
	ErrCodeReconciliationConflict = "RECONCILIATION_CONFLICT"
)
