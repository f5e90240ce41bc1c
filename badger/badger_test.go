package badger

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/internal/checkpointtest"
	"github.com/stretchr/testify/require"
)

func newTestCheckpointer(t *testing.T) *Checkpointer {
	t.Helper()
	cp, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	return cp
}

func TestCheckpointer(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) worldflow.Checkpointer {
		return newTestCheckpointer(t)
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cp, err := Open(Options{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, cp.SaveCheckpoint(ctx, checkpointtest.NewCheckpoint("run_disk", 1)))
	require.NoError(t, cp.SaveCheckpoint(ctx, checkpointtest.NewCheckpoint("run_disk", 2)))
	require.NoError(t, cp.Close())

	cp, err = Open(Options{Path: dir})
	require.NoError(t, err)
	defer cp.Close()

	loaded, err := cp.LoadCheckpoint(ctx, "run_disk")
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Sequence)

	history, err := cp.History(ctx, "run_disk")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 1, history[0].Sequence)
}

func TestDeleteRemovesHistory(t *testing.T) {
	ctx := context.Background()
	cp := newTestCheckpointer(t)
	require.NoError(t, cp.SaveCheckpoint(ctx, checkpointtest.NewCheckpoint("run_gone", 1)))
	require.NoError(t, cp.SaveCheckpoint(ctx, checkpointtest.NewCheckpoint("run_gone", 2)))
	require.NoError(t, cp.DeleteCheckpoint(ctx, "run_gone"))

	history, err := cp.History(ctx, "run_gone")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Options{})
	require.ErrorContains(t, err, "path is required")
}
