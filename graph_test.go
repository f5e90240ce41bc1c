package worldflow

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/worldflow/state"
	"github.com/stretchr/testify/require"
)

func TestNewGraphValidation(t *testing.T) {
	fields := []*state.Field{{Name: "out", Policy: state.Replace}}
	tests := []struct {
		name  string
		nodes []*Node
		err   string
	}{
		{
			name: "no nodes",
			err:  "nodes required",
		},
		{
			name:  "unknown edge target",
			nodes: []*Node{{Name: "a", Next: next("b")}},
			err:   `edge to step "b" not found`,
		},
		{
			name:  "duplicate edge",
			nodes: []*Node{{Name: "a", Next: next("b", "b")}, {Name: "b"}},
			err:   `duplicate edge to "b"`,
		},
		{
			name:  "no entry node",
			nodes: []*Node{{Name: "a", Next: next("b")}, {Name: "b", Next: next("a")}},
			err:   "no entry node",
		},
		{
			name: "unguarded cycle",
			nodes: []*Node{
				{Name: "a", Next: next("b")},
				{Name: "b", Next: next("c")},
				{Name: "c", Next: next("b")},
			},
			err: `cycle through "c" -> "b" has no conditional edge`,
		},
		{
			name: "concurrent replace writers",
			nodes: []*Node{
				{Name: "a", Next: next("b", "c")},
				{Name: "b", Writes: []string{"out"}},
				{Name: "c", Writes: []string{"out"}},
			},
			err: `nodes "b" and "c" may run concurrently and both replace "out"`,
		},
		{
			name:  "unknown written field",
			nodes: []*Node{{Name: "a", Writes: []string{"missing"}}},
			err:   `writes unknown field "missing"`,
		},
		{
			name:  "bad condition",
			nodes: []*Node{{Name: "a", Next: []*Edge{{Step: "b", Condition: "state.out ==="}}}, {Name: "b"}},
			err:   `node "a"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(GraphOptions{Name: "g", Fields: fields, Nodes: tt.nodes})
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestGraphOrderedWritersAllowed(t *testing.T) {
	_, err := NewGraph(GraphOptions{
		Name:   "g",
		Fields: []*state.Field{{Name: "out", Policy: state.Replace}},
		Nodes: []*Node{
			{Name: "a", Next: next("b"), Writes: []string{"out"}},
			{Name: "b", Writes: []string{"out"}},
		},
	})
	require.NoError(t, err)
}

func TestGraphStructure(t *testing.T) {
	g := loopGraph(t)
	require.Equal(t, []string{"draft", "refine", "review"}, g.NodeNames())
	var declared []string
	for _, n := range g.Nodes() {
		declared = append(declared, n.Name)
	}
	require.Equal(t, []string{"draft", "review", "refine"}, declared)
	require.Equal(t, []string{"draft"}, g.Predecessors("review"))
	require.True(t, g.IsBackEdge("refine", "review"))
	require.False(t, g.IsBackEdge("review", "refine"))
	require.True(t, g.reaches("draft", "refine"))
	require.False(t, g.reaches("refine", "draft"))

	field, ok := g.Schema().Field(ClarificationsField)
	require.True(t, ok)
	require.Equal(t, state.Append, field.Policy)
	require.Equal(t, []string{EngineWriter}, field.Writers)
}

func TestGraphRoute(t *testing.T) {
	g := loopGraph(t)
	node, ok := g.Node("review")
	require.True(t, ok)
	cfg := &Config{Params: map[string]any{"max_iterations": 2}}

	target, err := g.route(context.Background(), node, state.Snapshot{"iteration_count": float64(1)}, cfg)
	require.NoError(t, err)
	require.Equal(t, "refine", target)

	target, err = g.route(context.Background(), node, state.Snapshot{"iteration_count": float64(2)}, cfg)
	require.NoError(t, err)
	require.Equal(t, "", target)
}

func TestLoadGraphString(t *testing.T) {
	g, err := LoadGraphString(`
name: tiny
description: A two step graph
fields:
  - name: premise
    policy: replace
    default: "a quiet valley"
  - name: notes
    policy: append
nodes:
  - name: outline
    timeout: 30s
    writes: [notes]
    next:
      - step: expand
        condition: len(state.notes) < 3
  - name: expand
    module: extras
    retry:
      max_retries: 2
`)
	require.NoError(t, err)
	require.Equal(t, "tiny", g.Name())
	require.Equal(t, "A two step graph", g.Description())

	outline, ok := g.Node("outline")
	require.True(t, ok)
	require.Equal(t, "30s", outline.Timeout.String())
	require.True(t, outline.conditional())

	expand, ok := g.Node("expand")
	require.True(t, ok)
	require.Equal(t, "extras", expand.Module)
	require.Equal(t, 2, expand.Retry.MaxRetries)

	st, err := g.Schema().New(nil)
	require.NoError(t, err)
	premise, _ := st.Get("premise")
	require.Equal(t, "a quiet valley", premise)
}

func TestLoadGraphFileMissing(t *testing.T) {
	_, err := LoadGraphFile("does-not-exist.yaml")
	require.ErrorContains(t, err, "failed to read graph file")
}
