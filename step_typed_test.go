package worldflow

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/worldflow/state"
	"github.com/stretchr/testify/require"
)

type sumInput struct {
	A    int      `json:"a"`
	B    int      `json:"b"`
	Tags []string `json:"tags"`
}

type sumStep struct{}

func (s *sumStep) Name() string {
	return "sum"
}

func (s *sumStep) Execute(ctx Context, input sumInput) (Outcome, error) {
	return Update(state.Delta{"sum": input.A + input.B}), nil
}

func TestTypedStep(t *testing.T) {
	ctx := NewContext(context.Background(), ContextOptions{
		RunID:    "run",
		StepName: "sum",
		State:    state.Snapshot{"a": float64(5), "b": float64(3), "other": "ignored"},
	})

	step := NewTypedStep[sumInput](&sumStep{})
	require.Equal(t, "sum", step.Name())
	outcome, err := step.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, outcome.Delta["sum"])

	tags := NewTypedStepFunc("tags", func(ctx Context, input sumInput) (Outcome, error) {
		return Update(state.Delta{"count": len(input.Tags)}), nil
	})
	outcome, err = tags.Execute(NewContext(context.Background(), ContextOptions{
		State: state.Snapshot{"tags": []any{"a", "b"}},
	}))
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Delta["count"])
}

func TestTypedStepDecodeFailure(t *testing.T) {
	step := NewTypedStepFunc("sum", func(ctx Context, input sumInput) (Outcome, error) {
		t.Fatal("step body must not run")
		return Outcome{}, nil
	})
	_, err := step.Execute(NewContext(context.Background(), ContextOptions{
		State: state.Snapshot{"a": "five"},
	}))
	require.Error(t, err)
	require.Equal(t, ErrorTypeFatal, ErrorType(err))
}
