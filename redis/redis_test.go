package redis

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
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
	prefixes  atomic.Int32
)

// redisAddress starts one container shared by every test in the package.
func redisAddress(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		container, err := testcontainers.Run(
			ctx, "redis:latest",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err
			return
		}
		redisAddr, redisErr = container.Endpoint(ctx, "")
	})
	if redisErr != nil {
		t.Skipf("skipping redis tests: %v", redisErr)
	}
	return redisAddr
}

func newTestCheckpointer(t *testing.T) *Checkpointer {
	t.Helper()
	cp, err := New(context.Background(), Options{
		Addr:   redisAddress(t),
		Prefix: fmt.Sprintf("test%d:", prefixes.Add(1)),
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
	require.Equal(t, 1, history[0].Sequence)
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.ErrorContains(t, err, "addr or client required")
}
