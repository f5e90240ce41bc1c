// Package checkpointtest provides a conformance suite for Checkpointer
// implementations.
package checkpointtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty checkpointer for one subtest.
type Factory func(t *testing.T) worldflow.Checkpointer

// NewCheckpoint returns a populated checkpoint for the given run.
func NewCheckpoint(runID string, seq int) *worldflow.Checkpoint {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &worldflow.Checkpoint{
		ID:        fmt.Sprintf("%d", seq),
		RunID:     runID,
		GraphName: "worldgen",
		Status:    worldflow.RunSuspended,
		State: map[string]any{
			"facts": []any{"desert world", "two moons", "desert world"},
			"world": map[string]any{"name": "Aster", "regions": []any{"north", "south"}},
		},
		Frontier: []string{"clarify"},
		Steps: map[string]worldflow.StepStatus{
			"clarify": worldflow.StepSuspended,
			"draft":   worldflow.StepPending,
		},
		Visits: map[string]int{"clarify": 0},
		Pending: []worldflow.SuspensionRequest{{
			ID:        "req-1",
			Step:      "clarify",
			AllowSkip: true,
			Fields:    []worldflow.QuestionField{{ID: "f1", Label: "Setting", Type: worldflow.FieldText}},
		}},
		Config:       &worldflow.Config{Model: "gpt-4o-mini", Modules: map[string]bool{"magic": false}},
		Sequence:     seq,
		StartTime:    start,
		CheckpointAt: start.Add(time.Duration(seq) * time.Second),
	}
}

// Run exercises the Checkpointer contract.
func Run(t *testing.T, newCheckpointer Factory) {
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		cp := newCheckpointer(t)
		_, err := cp.LoadCheckpoint(ctx, "run_missing")
		require.ErrorIs(t, err, worldflow.ErrCheckpointNotFound)
	})

	t.Run("round trip", func(t *testing.T) {
		cp := newCheckpointer(t)
		saved := NewCheckpoint("run_roundtrip", 1)
		require.NoError(t, cp.SaveCheckpoint(ctx, saved))

		loaded, err := cp.LoadCheckpoint(ctx, "run_roundtrip")
		require.NoError(t, err)
		require.Equal(t, saved.RunID, loaded.RunID)
		require.Equal(t, saved.Status, loaded.Status)
		require.Equal(t, saved.State, loaded.State)
		require.Equal(t, saved.Frontier, loaded.Frontier)
		require.Equal(t, saved.Steps, loaded.Steps)
		require.Equal(t, saved.Pending, loaded.Pending)
		require.Equal(t, saved.Config, loaded.Config)
		require.True(t, saved.StartTime.Equal(loaded.StartTime))
	})

	t.Run("save replaces latest", func(t *testing.T) {
		cp := newCheckpointer(t)
		first := NewCheckpoint("run_replace", 1)
		require.NoError(t, cp.SaveCheckpoint(ctx, first))

		second := NewCheckpoint("run_replace", 2)
		second.Status = worldflow.RunCompleted
		second.Pending = nil
		second.Frontier = nil
		second.EndTime = second.CheckpointAt
		require.NoError(t, cp.SaveCheckpoint(ctx, second))

		loaded, err := cp.LoadCheckpoint(ctx, "run_replace")
		require.NoError(t, err)
		require.Equal(t, worldflow.RunCompleted, loaded.Status)
		require.Equal(t, 2, loaded.Sequence)
		require.Empty(t, loaded.Pending)
	})

	t.Run("saved checkpoint is isolated from caller", func(t *testing.T) {
		cp := newCheckpointer(t)
		saved := NewCheckpoint("run_isolated", 1)
		require.NoError(t, cp.SaveCheckpoint(ctx, saved))
		saved.State["world"].(map[string]any)["name"] = "changed"
		saved.Frontier[0] = "changed"

		loaded, err := cp.LoadCheckpoint(ctx, "run_isolated")
		require.NoError(t, err)
		require.Equal(t, "Aster", loaded.State["world"].(map[string]any)["name"])
		require.Equal(t, []string{"clarify"}, loaded.Frontier)
	})

	t.Run("delete", func(t *testing.T) {
		cp := newCheckpointer(t)
		require.NoError(t, cp.SaveCheckpoint(ctx, NewCheckpoint("run_delete", 1)))
		require.NoError(t, cp.DeleteCheckpoint(ctx, "run_delete"))
		_, err := cp.LoadCheckpoint(ctx, "run_delete")
		require.ErrorIs(t, err, worldflow.ErrCheckpointNotFound)
		require.NoError(t, cp.DeleteCheckpoint(ctx, "run_never_saved"))
	})

	t.Run("list runs", func(t *testing.T) {
		cp := newCheckpointer(t)
		lister, ok := cp.(worldflow.RunLister)
		if !ok {
			t.Skip("checkpointer does not list runs")
		}
		older := NewCheckpoint("run_list_a", 1)
		newer := NewCheckpoint("run_list_b", 1)
		newer.StartTime = older.StartTime.Add(time.Hour)
		newer.CheckpointAt = newer.StartTime.Add(time.Second)
		require.NoError(t, cp.SaveCheckpoint(ctx, older))
		require.NoError(t, cp.SaveCheckpoint(ctx, newer))

		summaries, err := lister.ListRuns(ctx)
		require.NoError(t, err)
		var ids []string
		for _, s := range summaries {
			if s.RunID == "run_list_a" || s.RunID == "run_list_b" {
				ids = append(ids, s.RunID)
				require.Equal(t, "worldgen", s.GraphName)
				require.Equal(t, worldflow.RunSuspended, s.Status)
				require.Equal(t, 1, s.Pending)
			}
		}
		require.Equal(t, []string{"run_list_b", "run_list_a"}, ids)
	})
}
