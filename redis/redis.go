// Package redis provides a Checkpointer backed by Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/redis/go-redis/v9"
)

// Options configures a Redis checkpointer.
type Options struct {
	// Client is an existing client. When nil, one is created for Addr.
	Client *redis.Client
	Addr   string

	// Prefix namespaces every key. Defaults to "worldflow:".
	Prefix string
}

// Checkpointer uses the key layout:
//
//	<prefix>run:<id>      => latest checkpoint as JSON
//	<prefix>history:<id>  => LIST of every saved checkpoint
//	<prefix>runs          => ZSET of run ids scored by start time
type Checkpointer struct {
	client *redis.Client
	closer bool
	prefix string
}

var _ worldflow.Checkpointer = (*Checkpointer)(nil)
var _ worldflow.RunLister = (*Checkpointer)(nil)

// New returns a checkpointer after verifying the server is reachable.
func New(ctx context.Context, opts Options) (*Checkpointer, error) {
	if opts.Prefix == "" {
		opts.Prefix = "worldflow:"
	}
	c := &Checkpointer{client: opts.Client, prefix: opts.Prefix}
	if c.client == nil {
		if opts.Addr == "" {
			return nil, fmt.Errorf("redis: addr or client required")
		}
		c.client = redis.NewClient(&redis.Options{Addr: opts.Addr})
		c.closer = true
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// Close closes the client if the checkpointer created it.
func (c *Checkpointer) Close() error {
	if !c.closer {
		return nil
	}
	return c.client.Close()
}

func (c *Checkpointer) keyRun(runID string) string {
	return c.prefix + "run:" + runID
}

func (c *Checkpointer) keyHistory(runID string) string {
	return c.prefix + "history:" + runID
}

func (c *Checkpointer) keyRuns() string {
	return c.prefix + "runs"
}

func (c *Checkpointer) SaveCheckpoint(ctx context.Context, cp *worldflow.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("redis: encode checkpoint: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.keyRun(cp.RunID), data, 0)
		pipe.RPush(ctx, c.keyHistory(cp.RunID), data)
		pipe.ZAdd(ctx, c.keyRuns(), redis.Z{Score: float64(cp.StartTime.UnixMilli()), Member: cp.RunID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpointer) LoadCheckpoint(ctx context.Context, runID string) (*worldflow.Checkpoint, error) {
	data, err := c.client.Get(ctx, c.keyRun(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, worldflow.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load checkpoint: %w", err)
	}
	return decode(data)
}

func (c *Checkpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.keyRun(runID), c.keyHistory(runID))
		pipe.ZRem(ctx, c.keyRuns(), runID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete checkpoint: %w", err)
	}
	return nil
}

// History returns every saved checkpoint of a run, oldest first.
func (c *Checkpointer) History(ctx context.Context, runID string) ([]*worldflow.Checkpoint, error) {
	items, err := c.client.LRange(ctx, c.keyHistory(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load history: %w", err)
	}
	out := make([]*worldflow.Checkpoint, 0, len(items))
	for _, item := range items {
		cp, err := decode([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (c *Checkpointer) ListRuns(ctx context.Context) ([]*worldflow.RunSummary, error) {
	ids, err := c.client.ZRevRange(ctx, c.keyRuns(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, c.keyRun(id))
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list runs: %w", err)
	}
	out := make([]*worldflow.RunSummary, 0, len(values))
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		cp, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, cp.Summary())
	}
	worldflow.SortSummaries(out)
	return out, nil
}

func decode(data []byte) (*worldflow.Checkpoint, error) {
	var cp worldflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redis: decode checkpoint: %w", err)
	}
	return &cp, nil
}
