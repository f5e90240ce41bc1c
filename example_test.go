package worldflow_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/state"
	"github.com/stretchr/testify/require"
)

// newGreetingEngine builds an engine that asks for a visitor's name and
// greets them. The graph and steps of opts are replaced.
func newGreetingEngine(t *testing.T, opts worldflow.EngineOptions) *worldflow.Engine {
	t.Helper()
	g, err := worldflow.NewGraph(worldflow.GraphOptions{
		Name: "greeting",
		Fields: []*state.Field{
			{Name: "name", Policy: state.Replace},
			{Name: "greeting", Policy: state.Replace},
		},
		Nodes: []*worldflow.Node{
			{Name: "ask", Next: []*worldflow.Edge{{Step: "greet"}}},
			{Name: "greet"},
		},
	})
	require.NoError(t, err)

	ask := worldflow.NewStep("ask", func(ctx worldflow.Context) (worldflow.Outcome, error) {
		id := worldflow.NewRequestID(ctx.RunID(), "ask", "name")
		if c, ok := ctx.Answer(id); ok {
			if c.Skipped {
				return worldflow.Update(state.Delta{"name": "stranger"}), nil
			}
			return worldflow.Update(state.Delta{"name": c.Answers["name"]}), nil
		}
		return worldflow.Suspend(&worldflow.SuspensionRequest{
			ID:        id,
			Fields:    []worldflow.QuestionField{{ID: "name", Label: "Who is visiting?", Type: worldflow.FieldText, Required: true}},
			AllowSkip: true,
		}), nil
	})
	greet := worldflow.NewStep("greet", func(ctx worldflow.Context) (worldflow.Outcome, error) {
		return worldflow.Update(state.Delta{
			"greeting": fmt.Sprintf("Welcome, %s", state.String(ctx.State(), "name")),
		}), nil
	})

	opts.Graph = g
	opts.Steps = []worldflow.Step{ask, greet}
	e, err := worldflow.NewEngine(opts)
	require.NoError(t, err)
	return e
}

func TestLibraryExample(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e := newGreetingEngine(t, worldflow.EngineOptions{})

	result, err := e.Start(ctx, worldflow.StartRequest{RunID: "visit"})
	require.NoError(t, err)
	require.Equal(t, worldflow.RunSuspended, result.Status)
	require.Equal(t, "ask", result.Request.Step)

	result, err = e.Resume(ctx, "visit", worldflow.ResumptionInput{
		RequestID: result.Request.ID,
		Answers:   map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)
	require.Equal(t, worldflow.RunCompleted, result.Status)
	require.Equal(t, "Welcome, Ada", result.State["greeting"])
}
