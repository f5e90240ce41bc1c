package worldflow

import (
	"context"
	"sort"
	"sync"
)

// MemoryCheckpointer keeps checkpoints in memory. Saved and loaded
// checkpoints are copies, so callers never share state with the store.
type MemoryCheckpointer struct {
	mutex       sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{checkpoints: map[string]*Checkpoint{}}
}

func (c *MemoryCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	cp := checkpoint.Clone()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.checkpoints[checkpoint.RunID] = cp
	return nil
}

func (c *MemoryCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	cp, ok := c.checkpoints[runID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return cp.Clone(), nil
}

func (c *MemoryCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.checkpoints, runID)
	return nil
}

func (c *MemoryCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	summaries := make([]*RunSummary, 0, len(c.checkpoints))
	for _, cp := range c.checkpoints {
		summaries = append(summaries, cp.Summary())
	}
	SortSummaries(summaries)
	return summaries, nil
}

// SortSummaries orders run summaries newest first.
func SortSummaries(summaries []*RunSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].StartTime.Equal(summaries[j].StartTime) {
			return summaries[i].RunID < summaries[j].RunID
		}
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
}
