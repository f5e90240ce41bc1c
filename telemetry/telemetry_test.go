package telemetry

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func runBranching(t *testing.T, callbacks worldflow.ExecutionCallbacks) {
	t.Helper()
	g, err := worldflow.NewGraph(worldflow.GraphOptions{
		Name:   "branching",
		Fields: []*state.Field{{Name: "out", Policy: state.Replace}},
		Nodes: []*worldflow.Node{
			{Name: "pick", Next: []*worldflow.Edge{{Step: "left", Condition: "true"}, {Step: "right", Condition: "false"}}},
			{Name: "left"},
			{Name: "right"},
		},
	})
	require.NoError(t, err)
	step := func(name string) worldflow.Step {
		return worldflow.NewStep(name, func(ctx worldflow.Context) (worldflow.Outcome, error) {
			return worldflow.Update(state.Delta{"out": name}), nil
		})
	}
	e, err := worldflow.NewEngine(worldflow.EngineOptions{
		Graph:     g,
		Steps:     []worldflow.Step{step("pick"), step("left"), step("right")},
		Callbacks: callbacks,
	})
	require.NoError(t, err)
	result, err := e.Start(context.Background(), worldflow.StartRequest{RunID: "run_t"})
	require.NoError(t, err)
	require.Equal(t, worldflow.RunCompleted, result.Status)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	runBranching(t, m)

	require.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("branching", "completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRuns.WithLabelValues("branching")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("branching", "left", "completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("branching", "right", "skipped")))
	require.Equal(t, 2, testutil.CollectAndCount(m.StepDuration))
}

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	runBranching(t, NewTracing(tp))

	spans := recorder.Ended()
	names := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range spans {
		names[span.Name()] = span
	}
	require.Len(t, spans, 4)
	run := names["worldflow.run"]
	require.NotNil(t, run)
	require.Equal(t, codes.Ok, run.Status().Code)
	for _, step := range []string{"pick", "left", "right"} {
		span := names["worldflow.step/"+step]
		require.NotNil(t, span, step)
		require.Equal(t, run.SpanContext().TraceID(), span.SpanContext().TraceID())
		require.Equal(t, run.SpanContext().SpanID(), span.Parent().SpanID())
	}
}
