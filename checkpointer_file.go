package worldflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileCheckpointer is a file-based implementation that persists checkpoints
// to disk. Each run gets a directory holding every checkpoint written for it
// plus latest.json, which is replaced atomically on each save.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a new file-based checkpointer
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "worldflow", "runs")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileCheckpointer{dataDir: dataDir}, nil
}

// SaveCheckpoint saves the run checkpoint to disk
func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	runDir := filepath.Join(c.dataDir, checkpoint.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	historyPath := filepath.Join(runDir, fmt.Sprintf("checkpoint-%s.json", checkpoint.ID))
	if err := writeFileAtomic(historyPath, data); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(runDir, "latest.json"), data); err != nil {
		return fmt.Errorf("failed to update latest checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a run
func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(c.dataDir, runID, "latest.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// DeleteCheckpoint removes all checkpoint data for a run
func (c *FileCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := os.RemoveAll(filepath.Join(c.dataDir, runID)); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

// ListRuns returns a summary of every run with a readable checkpoint
func (c *FileCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}
	summaries := []*RunSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := c.LoadCheckpoint(ctx, entry.Name())
		if err != nil {
			// Skip runs we can't read
			continue
		}
		summaries = append(summaries, checkpoint.Summary())
	}
	SortSummaries(summaries)
	return summaries, nil
}

// writeFileAtomic writes data to a temporary file and renames it into place
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
