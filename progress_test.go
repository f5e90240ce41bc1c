package worldflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan ProgressEvent) []ProgressEvent {
	t.Helper()
	var events []ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func phases(events []ProgressEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Step+":"+string(e.Phase))
	}
	return out
}

func TestProgressLogSnapshot(t *testing.T) {
	p := NewProgressLog()
	p.Append("r", "a", PhaseStarted, nil)
	p.Append("r", "a", PhaseCompleted, nil)
	p.Append("r", "b", PhaseStarted, nil)
	p.Append("other", "a", PhaseFailed, nil)

	require.Equal(t, map[string]Phase{"a": PhaseCompleted, "b": PhaseStarted}, p.Snapshot("r"))
	require.Len(t, p.Events("r", 1), 2)
	require.Empty(t, p.Events("r", 3))

	p.Forget("r")
	require.Empty(t, p.Snapshot("r"))
	require.Equal(t, map[string]Phase{"a": PhaseFailed}, p.Snapshot("other"))
}

func TestProgressLogSubscribeReplaysAndCloses(t *testing.T) {
	p := NewProgressLog()
	p.Append("r", "a", PhaseStarted, nil)
	p.Append("r", "a", PhaseCompleted, nil)
	p.Append("r", "", PhaseDone, nil)

	events := collect(t, p.Subscribe(context.Background(), "r", 0))
	require.Equal(t, []string{"a:started", "a:completed", ":done"}, phases(events))
	require.Equal(t, int64(3), events[2].Seq)

	events = collect(t, p.Subscribe(context.Background(), "r", 2))
	require.Equal(t, []string{":done"}, phases(events))
}

func TestProgressLogSubscribeFollowsLiveEvents(t *testing.T) {
	p := NewProgressLog()
	p.Append("r", "ask", PhaseSuspended, nil)
	p.Append("r", "", PhaseWaiting, nil)

	ch := p.Subscribe(context.Background(), "r", 2)
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Append("r", "ask", PhaseStarted, nil)
		p.Append("r", "ask", PhaseCompleted, nil)
		p.Append("r", "", PhaseDone, nil)
	}()
	events := collect(t, ch)
	require.Equal(t, []string{"ask:started", "ask:completed", ":done"}, phases(events))
}

func TestProgressLogSubscribeStopsOnContext(t *testing.T) {
	p := NewProgressLog()
	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Subscribe(ctx, "idle", 0)
	cancel()
	require.Empty(t, collect(t, ch))
}

func TestEngineProgressAcrossSuspension(t *testing.T) {
	ctx := context.Background()
	var asked atomic.Int32
	e := testEngine(t, askGraph(t), EngineOptions{}, tracer("start"), askStep(&asked), tracer("finish"))

	result, err := e.Start(ctx, StartRequest{RunID: "watched"})
	require.NoError(t, err)

	events := collect(t, e.Subscribe(ctx, "watched", 0))
	require.Equal(t, []string{
		"start:started", "start:completed",
		"ask:started", "ask:suspended",
		":waiting",
	}, phases(events))
	require.Equal(t, map[string]Phase{"start": PhaseCompleted, "ask": PhaseSuspended}, e.Progress("watched"))
	waiting := events[len(events)-1]

	_, err = e.Resume(ctx, "watched", ResumptionInput{RequestID: result.Request.ID, Answers: map[string]any{"tone": "grim"}})
	require.NoError(t, err)

	events = collect(t, e.Subscribe(ctx, "watched", waiting.Seq))
	require.Equal(t, []string{
		"ask:started", "ask:completed",
		"finish:started", "finish:completed",
		":done",
	}, phases(events))
}

func TestProgressLogRetention(t *testing.T) {
	p := NewProgressLog(WithRetention(20 * time.Millisecond))
	p.Append("done", "a", PhaseCompleted, nil)
	p.Append("done", "", PhaseDone, nil)
	p.Append("failed", "a", PhaseFailed, nil)
	p.Append("failed", "", PhaseError, nil)
	p.Append("waiting", "a", PhaseSuspended, nil)
	p.Append("waiting", "", PhaseWaiting, nil)

	require.Eventually(t, func() bool {
		return !p.Has("done") && !p.Has("failed")
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, p.Has("waiting"))
	require.Empty(t, p.Events("done", 0))
	require.Empty(t, p.Snapshot("done"))
	require.False(t, p.Has("done"), "reads do not recreate a dropped log")
}

func TestProgressLogRetentionKeepsResumedRuns(t *testing.T) {
	p := NewProgressLog(WithRetention(20 * time.Millisecond))
	p.Append("r", "", PhaseError, nil)
	p.Append("r", "a", PhaseStarted, nil)

	time.Sleep(60 * time.Millisecond)
	require.True(t, p.Has("r"))
	require.Len(t, p.Events("r", 0), 2)
}

func TestProgressLogDropClosesSubscribers(t *testing.T) {
	p := NewProgressLog()
	p.Append("r", "", PhaseDone, nil)
	ch := p.Subscribe(context.Background(), "r", 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Forget("r")
	}()
	require.Empty(t, collect(t, ch))
}

func TestProgressLogRetentionDisabled(t *testing.T) {
	p := NewProgressLog(WithRetention(0))
	p.Append("r", "", PhaseDone, nil)
	time.Sleep(20 * time.Millisecond)
	require.True(t, p.Has("r"))
}
