package worldflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/retry"
	"github.com/deepnoodle-ai/worldflow/state"
	"github.com/stretchr/testify/require"
)

func TestWorkflowErrorWrapping(t *testing.T) {
	err := NewWorkflowError(ErrorTypeTimeout, "operation timed out")
	require.Equal(t, "timeout: operation timed out", err.Error())
	require.Nil(t, err.Unwrap())

	originalErr := errors.New("network connection failed")
	wrappedErr := WrapError(ErrorTypeExternalEngine, originalErr)
	require.Equal(t, "external_engine_failure: network connection failed", wrappedErr.Error())
	require.True(t, errors.Is(wrappedErr, originalErr))

	var wErr *WorkflowError
	require.True(t, errors.As(fmt.Errorf("step failed: %w", wrappedErr), &wErr))
	require.Equal(t, ErrorTypeExternalEngine, wErr.Type)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"step timeout cause", ErrStepTimeout, ErrorTypeTimeout},
		{"context cancelled", context.Canceled, ErrorTypeCancelled},
		{"run cancelled", fmt.Errorf("wrapped: %w", ErrCancelled), ErrorTypeCancelled},
		{"validation", &generation.ValidationError{Schema: "world", Err: errors.New("name required")}, ErrorTypeValidation},
		{"engine", &generation.EngineError{Provider: "openai", Err: errors.New("502")}, ErrorTypeExternalEngine},
		{"budget", generation.ErrBudgetExhausted, ErrorTypeExternalEngine},
		{"unknown field", fmt.Errorf("merge: %w", state.ErrUnknownField), ErrorTypeFatal},
		{"generic", errors.New("something went wrong"), ErrorTypeFatal},
		{"iteration cap", IterationCapError("clarify", 5), ErrorTypeIterationCap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(tt.err)
			require.Equal(t, tt.want, classified.Type)
			require.Equal(t, tt.want, ErrorType(tt.err))
		})
	}

	original := NewWorkflowError(ErrorTypeFatal, "runtime error")
	require.Same(t, original, ClassifyError(original))
	require.Equal(t, "", ErrorType(nil))
}

func TestErrorMatching(t *testing.T) {
	validationErr := NewWorkflowError(ErrorTypeValidation, "bad shape")
	fatalErr := NewWorkflowError(ErrorTypeFatal, "fatal error")
	cancelErr := NewWorkflowError(ErrorTypeCancelled, "cancelled")

	require.True(t, MatchesErrorType(validationErr, ErrorTypeValidation))
	require.True(t, MatchesErrorType(validationErr, ErrorTypeAll))
	require.False(t, MatchesErrorType(validationErr, ErrorTypeTimeout))

	require.True(t, MatchesErrorType(fatalErr, ErrorTypeFatal))
	require.False(t, MatchesErrorType(fatalErr, ErrorTypeAll))

	require.False(t, MatchesErrorType(cancelErr, ErrorTypeAll))
}

func TestValidationErrorsAreRecoverable(t *testing.T) {
	require.True(t, retry.IsRecoverable(NewWorkflowError(ErrorTypeValidation, "bad")))
	require.False(t, retry.IsRecoverable(NewWorkflowError(ErrorTypeFatal, "bad")))
}
