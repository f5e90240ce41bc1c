// Package postgres provides a Checkpointer backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/lib/pq"
)

// Options configures a PostgreSQL checkpointer.
type Options struct {
	// DB is an open database. When nil, DSN is opened with lib/pq.
	DB  *sql.DB
	DSN string

	// TablePrefix namespaces the tables. Defaults to "worldflow".
	TablePrefix string
}

// Checkpointer stores the latest checkpoint of each run as JSONB and keeps
// every saved checkpoint in a history table.
type Checkpointer struct {
	db          *sql.DB
	closer      bool
	runs        string
	checkpoints string
}

var _ worldflow.Checkpointer = (*Checkpointer)(nil)
var _ worldflow.RunLister = (*Checkpointer)(nil)

// New connects to the database and creates the schema.
func New(ctx context.Context, opts Options) (*Checkpointer, error) {
	if opts.TablePrefix == "" {
		opts.TablePrefix = "worldflow"
	}
	c := &Checkpointer{
		db:          opts.DB,
		runs:        pq.QuoteIdentifier(opts.TablePrefix + "_runs"),
		checkpoints: pq.QuoteIdentifier(opts.TablePrefix + "_checkpoints"),
	}
	if c.db == nil {
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres: dsn or db required")
		}
		db, err := sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: open: %w", err)
		}
		c.db = db
		c.closer = true
	}
	if err := c.db.PingContext(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := c.initSchema(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Checkpointer) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			status TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			checkpoint_at TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		)`, c.runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY (run_id, sequence)
		)`, c.checkpoints),
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
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
		return fmt.Errorf("postgres: encode checkpoint: %w", err)
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (run_id, sequence, data) VALUES ($1, $2, $3)
		ON CONFLICT (run_id, sequence) DO UPDATE SET data = EXCLUDED.data
	`, c.checkpoints), cp.RunID, cp.Sequence, data); err != nil {
		return fmt.Errorf("postgres: save checkpoint history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (run_id, graph_name, status, sequence, start_time, checkpoint_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			graph_name = EXCLUDED.graph_name,
			status = EXCLUDED.status,
			sequence = EXCLUDED.sequence,
			start_time = EXCLUDED.start_time,
			checkpoint_at = EXCLUDED.checkpoint_at,
			data = EXCLUDED.data
	`, c.runs), cp.RunID, cp.GraphName, string(cp.Status), cp.Sequence,
		cp.StartTime, cp.CheckpointAt, data); err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return tx.Commit()
}

func (c *Checkpointer) LoadCheckpoint(ctx context.Context, runID string) (*worldflow.Checkpoint, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE run_id = $1`, c.runs), runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, worldflow.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load checkpoint: %w", err)
	}
	var cp worldflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("postgres: decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (c *Checkpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{c.checkpoints, c.runs} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, table), runID); err != nil {
			return fmt.Errorf("postgres: delete checkpoint: %w", err)
		}
	}
	return tx.Commit()
}

// History returns every saved checkpoint of a run, oldest first.
func (c *Checkpointer) History(ctx context.Context, runID string) ([]*worldflow.Checkpoint, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE run_id = $1 ORDER BY sequence
	`, c.checkpoints), runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load history: %w", err)
	}
	return scanCheckpoints(rows)
}

func (c *Checkpointer) ListRuns(ctx context.Context) ([]*worldflow.RunSummary, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s ORDER BY start_time DESC, run_id
	`, c.runs))
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	checkpoints, err := scanCheckpoints(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*worldflow.RunSummary, 0, len(checkpoints))
	for _, cp := range checkpoints {
		out = append(out, cp.Summary())
	}
	return out, nil
}

func scanCheckpoints(rows *sql.Rows) ([]*worldflow.Checkpoint, error) {
	defer rows.Close()
	var out []*worldflow.Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var cp worldflow.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("postgres: decode checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}
