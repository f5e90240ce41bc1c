// Package generation defines the boundary with the external generation engine:
// a structured prompt and target schema go in, a schema-validated object or an
// error comes out.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/deepnoodle-ai/worldflow/retry"
)

var (
	// ErrValidation matches errors for output that does not fit the expected
	// shape. Re-invoking the call may succeed.
	ErrValidation = errors.New("generated output failed validation")

	// ErrEngine matches network and provider failures.
	ErrEngine = errors.New("generation engine failure")

	// ErrBudgetExhausted is returned once a budgeted generator has used all of
	// its calls.
	ErrBudgetExhausted = errors.New("generation call budget exhausted")
)

// Request is a single call to the generation engine.
type Request struct {
	Model       string          `json:"model,omitempty"`
	System      string          `json:"system,omitempty"`
	Prompt      string          `json:"prompt"`
	SchemaName  string          `json:"schema_name,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Temperature *float32        `json:"temperature,omitempty"`
}

// Generator produces a JSON document for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// ValidationError reports generated output that did not match its schema.
type ValidationError struct {
	Schema string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Schema == "" {
		return fmt.Sprintf("generated output failed validation: %v", e.Err)
	}
	return fmt.Sprintf("generated %s failed validation: %v", e.Schema, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IsRecoverable marks validation failures as retryable.
func (e *ValidationError) IsRecoverable() bool { return true }

// EngineError reports a failure of the generation provider itself.
type EngineError struct {
	Provider string
	Err      error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool { return target == ErrEngine }

// IsRecoverable reports provider failures worth retrying: rate limits, server
// errors and timeouts.
func (e *EngineError) IsRecoverable() bool {
	if code := statusCode(e.Err); code != 0 {
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	return retry.IsRecoverable(e.Err)
}
