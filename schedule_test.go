package worldflow

import (
	"maps"
	"testing"

	"github.com/deepnoodle-ai/worldflow/state"
	"github.com/stretchr/testify/require"
)

func TestTrackerFrontierIsReadOnly(t *testing.T) {
	g := testGraph(t, []*state.Field{{Name: "out", Policy: state.Replace}},
		&Node{Name: "a", Next: []*Edge{
			{Step: "b", Condition: "true"},
			{Step: "c", Condition: "false"},
		}},
		&Node{Name: "b"},
		&Node{Name: "c"},
	)
	tr := newTracker(g)
	tr.complete("a", "b")
	tr.steps["b"] = StepSuspended
	before := maps.Clone(tr.steps)

	require.Equal(t, []string{"b"}, tr.frontier())
	require.Equal(t, before, tr.steps)
	require.Equal(t, StepPending, tr.steps["c"])

	// The orchestration loop is still the one that records the skip.
	readyNodes, skipped := tr.schedule()
	require.Empty(t, readyNodes)
	require.Equal(t, []string{"c"}, skipped)
}
