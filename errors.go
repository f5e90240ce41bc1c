package worldflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/state"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeValidation indicates the generation engine returned data that
	// does not match the expected shape. Retrying the step may succeed.
	ErrorTypeValidation = "validation_failure"

	// ErrorTypeSuspensionProtocol indicates a resumption input referenced an
	// unknown or stale request. The run stays suspended.
	ErrorTypeSuspensionProtocol = "suspension_protocol_violation"

	// ErrorTypeIterationCap indicates a bounded loop hit its cap.
	ErrorTypeIterationCap = "iteration_cap_exceeded"

	// ErrorTypeExternalEngine indicates a network or provider failure in the
	// generation engine.
	ErrorTypeExternalEngine = "external_engine_failure"

	// ErrorTypeCancelled indicates the run was cancelled externally.
	ErrorTypeCancelled = "cancelled"

	// ErrorTypeTimeout matches a step that exceeded its time limit
	ErrorTypeTimeout = "timeout"

	// ErrorTypeFatal indicates an execution failed due to a fatal error.
	// Unknown step errors are classified as fatal unless they carry a more
	// specific type.
	ErrorTypeFatal = "fatal_error"
)

var (
	// ErrRunActive is returned when a run already has an active writer.
	ErrRunActive = errors.New("run is already active")

	// ErrRunExists is returned when starting a run whose id is already used.
	ErrRunExists = errors.New("run already exists")

	// ErrRunNotFound is returned when no checkpoint exists for a run.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotResumable is returned when resuming a run that is not suspended.
	ErrRunNotResumable = errors.New("run is not resumable")

	// ErrCancelled is the cancellation cause of a run cancelled by id.
	ErrCancelled = errors.New("run cancelled")

	// ErrStepTimeout is the cancellation cause of a step that timed out.
	ErrStepTimeout = errors.New("step timed out")

	// ErrNoProgress is returned when pending steps remain but none can run.
	ErrNoProgress = errors.New("no progress possible: pending steps have unsatisfiable dependencies")
)

// WorkflowError represents a structured error with classification
// It supports Go's error wrapping patterns with Unwrap() method
type WorkflowError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"` // Original error being wrapped
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// IsRecoverable marks validation failures as retryable for the retry package.
func (e *WorkflowError) IsRecoverable() bool {
	return e.Type == ErrorTypeValidation
}

// NewWorkflowError creates a new WorkflowError with the specified type and cause.
func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{
		Type:  errorType,
		Cause: cause,
	}
}

// WrapError classifies err under the given type, keeping it reachable by
// errors.Is and errors.As.
func WrapError(errorType string, err error) *WorkflowError {
	return &WorkflowError{
		Type:    errorType,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// IterationCapError reports a bounded loop that reached its cap.
func IterationCapError(step string, limit int) *WorkflowError {
	return &WorkflowError{
		Type:    ErrorTypeIterationCap,
		Cause:   fmt.Sprintf("step %q reached its iteration cap of %d", step, limit),
		Details: map[string]any{"step": step, "cap": limit},
	}
}

// ClassifyError attempts to classify a regular error into a WorkflowError
func ClassifyError(err error) *WorkflowError {
	// If the error is already a WorkflowError, return it
	var workflowError *WorkflowError
	if errors.As(err, &workflowError) {
		return workflowError
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return WrapError(ErrorTypeCancelled, err)
	case errors.Is(err, ErrStepTimeout), errors.Is(err, context.DeadlineExceeded):
		return WrapError(ErrorTypeTimeout, err)
	case errors.Is(err, context.Canceled):
		return WrapError(ErrorTypeCancelled, err)
	case errors.Is(err, generation.ErrValidation):
		return WrapError(ErrorTypeValidation, err)
	case errors.Is(err, generation.ErrEngine), errors.Is(err, generation.ErrBudgetExhausted):
		return WrapError(ErrorTypeExternalEngine, err)
	case errors.Is(err, state.ErrUnknownField),
		errors.Is(err, state.ErrWriterNotAllowed),
		errors.Is(err, state.ErrInvalidValue):
		return WrapError(ErrorTypeFatal, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return WrapError(ErrorTypeTimeout, err)
	}
	return WrapError(ErrorTypeFatal, err)
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	wErr := ClassifyError(err)
	// Fatal errors are only matched by the ErrorTypeFatal pattern
	if wErr.Type == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	switch errorType {
	case ErrorTypeAll:
		return wErr.Type != ErrorTypeCancelled
	default:
		return wErr.Type == errorType
	}
}

// ErrorType returns the classified type of err, or "" for nil.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	return ClassifyError(err).Type
}
