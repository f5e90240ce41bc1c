package worldflow

import (
	"encoding/json"
	"fmt"
)

// Confirm the interfaces are implemented correctly.
var (
	_ Step           = (*typedStep[any])(nil)
	_ TypedStep[any] = (*typedStepFunc[any])(nil)
)

// TypedStep is a step body that receives the run state decoded into T.
type TypedStep[T any] interface {
	Name() string
	Execute(ctx Context, input T) (Outcome, error)
}

// NewTypedStep adapts a TypedStep to the Step interface. The state is decoded
// into T through its json tags before every invocation; fields T does not
// name are ignored.
func NewTypedStep[T any](step TypedStep[T]) Step {
	return &typedStep[T]{step: step}
}

// NewTypedStepFunc returns a Step for the given typed function.
func NewTypedStepFunc[T any](name string, fn func(ctx Context, input T) (Outcome, error)) Step {
	return NewTypedStep[T](&typedStepFunc[T]{name: name, fn: fn})
}

type typedStep[T any] struct {
	step TypedStep[T]
}

func (s *typedStep[T]) Name() string {
	return s.step.Name()
}

func (s *typedStep[T]) Execute(ctx Context) (Outcome, error) {
	var input T
	data, err := json.Marshal(ctx.State().Values())
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode state: %w", err)
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return Outcome{}, NewWorkflowError(ErrorTypeFatal, fmt.Sprintf("step %s: failed to decode state: %v", s.Name(), err))
	}
	return s.step.Execute(ctx, input)
}

type typedStepFunc[T any] struct {
	name string
	fn   func(ctx Context, input T) (Outcome, error)
}

func (t *typedStepFunc[T]) Name() string {
	return t.name
}

func (t *typedStepFunc[T]) Execute(ctx Context, input T) (Outcome, error) {
	return t.fn(ctx, input)
}
