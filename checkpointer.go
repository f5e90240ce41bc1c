package worldflow

import (
	"context"
	"errors"
)

// ErrCheckpointNotFound is returned when no checkpoint exists for a run.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpointer persists run checkpoints. Each save must replace the previous
// checkpoint for the run atomically.
type Checkpointer interface {
	// SaveCheckpoint saves the current run state
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for a run. It returns
	// ErrCheckpointNotFound if the run has none.
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// DeleteCheckpoint removes checkpoint data for a run
	DeleteCheckpoint(ctx context.Context, runID string) error
}

// RunLister is implemented by checkpointers that can enumerate runs.
type RunLister interface {
	ListRuns(ctx context.Context) ([]*RunSummary, error)
}
