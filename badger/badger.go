// Package badger provides a Checkpointer backed by an embedded BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/dgraph-io/badger/v4"
)

// Options configures a Badger checkpointer.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory.
	InMemory bool

	// SyncWrites flushes every write to disk before it is acknowledged.
	SyncWrites bool

	// Logger receives Badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// Checkpointer stores checkpoints as JSON values. The latest checkpoint of a
// run lives under "run/<id>" and history under "cp/<id>/<sequence>".
type Checkpointer struct {
	db *badger.DB
}

var _ worldflow.Checkpointer = (*Checkpointer)(nil)
var _ worldflow.RunLister = (*Checkpointer)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens or creates the database.
func Open(opts Options) (*Checkpointer, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("badger: path is required for a persistent database")
		}
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger: create directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &Checkpointer{db: db}, nil
}

// Close closes the database.
func (c *Checkpointer) Close() error {
	return c.db.Close()
}

func runKey(runID string) []byte {
	return []byte("run/" + runID)
}

func historyPrefix(runID string) []byte {
	return []byte("cp/" + runID + "/")
}

func historyKey(runID string, seq int) []byte {
	return fmt.Appendf(historyPrefix(runID), "%010d", seq)
}

func (c *Checkpointer) SaveCheckpoint(ctx context.Context, cp *worldflow.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("badger: encode checkpoint: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(historyKey(cp.RunID, cp.Sequence), data); err != nil {
			return err
		}
		return txn.Set(runKey(cp.RunID), data)
	})
}

func (c *Checkpointer) LoadCheckpoint(ctx context.Context, runID string) (*worldflow.Checkpoint, error) {
	var cp worldflow.Checkpoint
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, worldflow.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger: load checkpoint: %w", err)
	}
	return &cp, nil
}

func (c *Checkpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: historyPrefix(runID)})
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(runKey(runID))
	})
}

// History returns every saved checkpoint of a run, oldest first.
func (c *Checkpointer) History(ctx context.Context, runID string) ([]*worldflow.Checkpoint, error) {
	return c.scan(historyPrefix(runID))
}

func (c *Checkpointer) ListRuns(ctx context.Context) ([]*worldflow.RunSummary, error) {
	checkpoints, err := c.scan([]byte("run/"))
	if err != nil {
		return nil, err
	}
	out := make([]*worldflow.RunSummary, 0, len(checkpoints))
	for _, cp := range checkpoints {
		out = append(out, cp.Summary())
	}
	worldflow.SortSummaries(out)
	return out, nil
}

func (c *Checkpointer) scan(prefix []byte) ([]*worldflow.Checkpoint, error) {
	var out []*worldflow.Checkpoint
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 16, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var cp worldflow.Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return err
			}
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: scan: %w", err)
	}
	return out, nil
}
