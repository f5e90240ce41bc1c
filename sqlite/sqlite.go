// Package sqlite provides a Checkpointer backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/worldflow"
	_ "modernc.org/sqlite"
)

// Options configures a SQLite checkpointer.
type Options struct {
	// DB is an open database. When nil, Path is opened with the pure Go
	// "sqlite" driver.
	DB *sql.DB

	// Path is the database file. Use ":memory:" for a transient store.
	Path string
}

// Checkpointer stores the latest checkpoint of each run in a runs table and
// keeps every saved checkpoint in a history table.
type Checkpointer struct {
	db     *sql.DB
	closer bool
}

var _ worldflow.Checkpointer = (*Checkpointer)(nil)
var _ worldflow.RunLister = (*Checkpointer)(nil)

// New opens the store and creates its schema.
func New(ctx context.Context, opts Options) (*Checkpointer, error) {
	c := &Checkpointer{db: opts.DB}
	if c.db == nil {
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite: path or db required")
		}
		db, err := sql.Open("sqlite", opts.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite: open %s: %w", opts.Path, err)
		}
		if opts.Path == ":memory:" {
			// Every connection to :memory: is a separate database.
			db.SetMaxOpenConns(1)
		}
		c.db = db
		c.closer = true
	}
	if err := c.initSchema(ctx); err != nil {
		if c.closer {
			_ = c.db.Close()
		}
		return nil, err
	}
	return c, nil
}

func (c *Checkpointer) initSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			status TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			checkpoint_at INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (run_id, sequence)
		);
	`)
	if err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// Close closes the database if the checkpointer opened it.
func (c *Checkpointer) Close() error {
	if !c.closer {
		return nil
	}
	return c.db.Close()
}

func (c *Checkpointer) SaveCheckpoint(ctx context.Context, cp *worldflow.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("sqlite: encode checkpoint: %w", err)
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints (run_id, sequence, data) VALUES (?, ?, ?)
	`, cp.RunID, cp.Sequence, data); err != nil {
		return fmt.Errorf("sqlite: save checkpoint history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, graph_name, status, sequence, start_time, checkpoint_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			graph_name = excluded.graph_name,
			status = excluded.status,
			sequence = excluded.sequence,
			start_time = excluded.start_time,
			checkpoint_at = excluded.checkpoint_at,
			data = excluded.data
	`, cp.RunID, cp.GraphName, string(cp.Status), cp.Sequence,
		cp.StartTime.UnixNano(), cp.CheckpointAt.UnixNano(), data); err != nil {
		return fmt.Errorf("sqlite: save checkpoint: %w", err)
	}
	return tx.Commit()
}

func (c *Checkpointer) LoadCheckpoint(ctx context.Context, runID string) (*worldflow.Checkpoint, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, worldflow.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load checkpoint: %w", err)
	}
	var cp worldflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("sqlite: decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (c *Checkpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("sqlite: delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("sqlite: delete run: %w", err)
	}
	return tx.Commit()
}

// History returns every saved checkpoint of a run, oldest first.
func (c *Checkpointer) History(ctx context.Context, runID string) ([]*worldflow.Checkpoint, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT data FROM checkpoints WHERE run_id = ? ORDER BY sequence
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load history: %w", err)
	}
	defer rows.Close()

	var out []*worldflow.Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var cp worldflow.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("sqlite: decode checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (c *Checkpointer) ListRuns(ctx context.Context) ([]*worldflow.RunSummary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT data FROM runs ORDER BY start_time DESC, run_id
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var out []*worldflow.RunSummary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var cp worldflow.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("sqlite: decode checkpoint: %w", err)
		}
		out = append(out, cp.Summary())
	}
	return out, rows.Err()
}

// Prune deletes the history of runs whose latest checkpoint is older than
// the cutoff. The latest checkpoint of each run is kept.
func (c *Checkpointer) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE run_id IN (SELECT run_id FROM runs WHERE checkpoint_at < ?)
		AND sequence < (SELECT sequence FROM runs WHERE runs.run_id = checkpoints.run_id)
	`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune: %w", err)
	}
	return res.RowsAffected()
}
