package postgres

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/internal/checkpointtest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
	tables atomic.Int32
)

// postgresDSN starts one container shared by every test in the package.
func postgresDSN(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		container, err := pgmodule.Run(ctx, "postgres:16-alpine",
			pgmodule.WithDatabase("worldflow_test"),
			pgmodule.WithUsername("worldflow"),
			pgmodule.WithPassword("worldflow"),
			pgmodule.BasicWaitStrategies(),
		)
		if err != nil {
			pgErr = err
			return
		}
		pgDSN, pgErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if pgErr != nil {
		t.Skipf("skipping postgres tests: %v", pgErr)
	}
	return pgDSN
}

func newTestCheckpointer(t *testing.T) *Checkpointer {
	t.Helper()
	cp, err := New(context.Background(), Options{
		DSN:         postgresDSN(t),
		TablePrefix: fmt.Sprintf("test_%d", tables.Add(1)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	return cp
}

func TestCheckpointer(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) worldflow.Checkpointer {
		return newTestCheckpointer(t)
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	cp := newTestCheckpointer(t)
	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, cp.SaveCheckpoint(ctx, checkpointtest.NewCheckpoint("run_hist", seq)))
	}
	history, err := cp.History(ctx, "run_hist")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 3, history[2].Sequence)
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.ErrorContains(t, err, "dsn or db required")
}
