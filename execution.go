package worldflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/retry"
	"github.com/deepnoodle-ai/worldflow/state"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// execution drives one invocation of a run: a Start or a Resume. All
// scheduling state is owned by the goroutine that calls run. Step goroutines
// only read their own state snapshot and report back over a channel.
type execution struct {
	engine    *Engine
	graph     *Graph
	runID     string
	config    *Config
	logger    *slog.Logger
	state     *state.State
	tracker   *tracker
	startTime time.Time
	sequence  int

	// base is the checkpoint the invocation started from. A cancelled
	// invocation leaves it as it was, apart from its status.
	base *Checkpoint

	pending []SuspensionRequest
}

type stepResult struct {
	node    *Node
	visit   int
	outcome Outcome
	err     error
	start   time.Time
	end     time.Time
}

func (e *Engine) newExecution(runID string, cfg *Config) *execution {
	if cfg == nil {
		cfg = &Config{}
	}
	return &execution{
		engine: e,
		graph:  e.graph,
		runID:  runID,
		config: cfg,
		logger: e.logger.With("run_id", runID),
	}
}

func (x *execution) run(ctx context.Context, resumed bool) (*Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if x.engine.bindCancel(x.runID, cancel) {
		cancel(ErrCancelled)
	}

	x.engine.callbacks.BeforeRunExecution(ctx, &RunExecutionEvent{
		RunID:     x.runID,
		GraphName: x.graph.name,
		Status:    RunRunning,
		Resumed:   resumed,
		StartTime: x.startTime,
		State:     x.state.Values(),
	})

	var sem *semaphore.Weighted
	if x.engine.maxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(x.engine.maxConcurrency))
	}
	results := make(chan stepResult)
	var group sync.WaitGroup
	var runErr error
	var cancelled, halting bool
	running := 0

	for {
		if runErr == nil && !halting && !cancelled && ctx.Err() == nil {
			readyNodes, skipped := x.tracker.schedule()
			for _, name := range skipped {
				x.stepSkipped(ctx, name)
			}
			for _, name := range readyNodes {
				if sem != nil && !sem.TryAcquire(1) {
					break
				}
				if err := x.launch(ctx, name, results, &group, sem); err != nil {
					if sem != nil {
						sem.Release(1)
					}
					runErr = err
					cancel(err)
					break
				}
				running++
			}
		}
		if running == 0 {
			break
		}

		var done <-chan struct{}
		if runErr == nil && !cancelled {
			done = ctx.Done()
		}
		select {
		case res := <-results:
			running--
			if err := x.handle(ctx, res, runErr != nil || cancelled, &halting); err != nil {
				runErr = err
				cancel(err)
			}
		case <-done:
			cancelled = true
		}
	}
	group.Wait()

	interrupted := ctx.Err() != nil && len(x.pending) == 0 && !x.tracker.finished()
	if runErr == nil && (cancelled || interrupted) {
		cause := context.Cause(ctx)
		if cause == nil {
			cause = ErrCancelled
		}
		return x.finish(ctx, resumed, x.cancelled(cause))
	}
	if runErr != nil {
		return x.finish(ctx, resumed, runErr)
	}
	if len(x.pending) > 0 {
		return x.finish(ctx, resumed, nil)
	}
	if !x.tracker.finished() {
		return x.finish(ctx, resumed, WrapError(ErrorTypeFatal, fmt.Errorf("%w: steps %v cannot run", ErrNoProgress, x.unfinished())))
	}
	return x.finish(ctx, resumed, nil)
}

func (x *execution) cancelled(cause error) error {
	if errors.Is(cause, ErrCancelled) {
		return WrapError(ErrorTypeCancelled, ErrCancelled)
	}
	return WrapError(ErrorTypeCancelled, fmt.Errorf("%w: %w", ErrCancelled, cause))
}

// launch starts a ready node in a new goroutine.
func (x *execution) launch(ctx context.Context, name string, results chan<- stepResult, group *sync.WaitGroup, sem *semaphore.Weighted) error {
	node := x.graph.byName[name]
	visit := x.tracker.visits[name]
	if visit >= x.engine.maxVisits {
		return IterationCapError(name, x.engine.maxVisits)
	}
	step := x.engine.steps[node.StepName()]
	if !x.config.ModuleEnabled(node.Module) {
		step = &noopStep{name: node.StepName()}
	}
	x.tracker.steps[name] = StepRunning
	snapshot := x.state.Snapshot()
	start := time.Now().UTC()

	x.logger.Debug("step started", "step", name, "visit", visit)
	x.engine.callbacks.BeforeStepExecution(ctx, &StepExecutionEvent{
		RunID:     x.runID,
		GraphName: x.graph.name,
		StepName:  name,
		Phase:     PhaseStarted,
		Visit:     visit,
		StartTime: start,
	})

	group.Go(func() {
		outcome, err := x.invoke(ctx, node, step, visit, snapshot)
		if sem != nil {
			sem.Release(1)
		}
		results <- stepResult{
			node:    node,
			visit:   visit,
			outcome: outcome,
			err:     err,
			start:   start,
			end:     time.Now().UTC(),
		}
	})
	return nil
}

// invoke runs one step under its timeout, retrying per the node's retry
// configuration. It returns as soon as the invocation's context ends, even
// if the step body ignores it.
func (x *execution) invoke(ctx context.Context, node *Node, step Step, visit int, snapshot state.Snapshot) (Outcome, error) {
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = x.engine.stepTimeout
	}
	stepCtx, cancel := context.WithTimeoutCause(ctx, timeout, ErrStepTimeout)
	defer cancel()

	logger := x.logger.With("step", node.Name, "visit", visit)
	attempt := func() (Outcome, error) {
		sctx := NewContext(WithLogger(stepCtx, logger), ContextOptions{
			RunID:     x.runID,
			StepName:  node.Name,
			Visit:     visit,
			State:     snapshot,
			Config:    x.config,
			Generator: generation.NewBudget(x.engine.generator, x.engine.callBudget),
			Logger:    logger,
			Compiler:  x.engine.compiler,
		})
		outcome, err := execute(step, sctx)
		if err != nil {
			return Outcome{}, err
		}
		if err := validateOutcome(node.Name, outcome); err != nil {
			return Outcome{}, protocolError("%s", err)
		}
		return outcome, nil
	}

	type reply struct {
		outcome Outcome
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		var outcome Outcome
		var err error
		if node.Retry == nil {
			outcome, err = attempt()
		} else {
			err = retry.Do(stepCtx, func() error {
				var attemptErr error
				outcome, attemptErr = attempt()
				return attemptErr
			}, x.retryOptions(node.Retry)...)
		}
		done <- reply{outcome: outcome, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && context.Cause(stepCtx) == ErrStepTimeout {
			return Outcome{}, x.timeoutError(node, timeout)
		}
		return r.outcome, r.err
	case <-stepCtx.Done():
		if context.Cause(stepCtx) == ErrStepTimeout {
			return Outcome{}, x.timeoutError(node, timeout)
		}
		return Outcome{}, x.cancelled(context.Cause(ctx))
	}
}

func (x *execution) timeoutError(node *Node, timeout time.Duration) error {
	return WrapError(ErrorTypeTimeout, fmt.Errorf("step %q exceeded %s: %w", node.Name, timeout, ErrStepTimeout))
}

func (x *execution) retryOptions(cfg *RetryConfig) []retry.Option {
	types := cfg.ErrorEquals
	if len(types) == 0 {
		types = []string{ErrorTypeValidation}
	}
	opts := []retry.Option{
		retry.WithMaxRetries(cfg.MaxRetries),
		retry.WithShouldRetry(func(err error) bool {
			return slices.ContainsFunc(types, func(t string) bool { return MatchesErrorType(err, t) })
		}),
	}
	if cfg.BaseDelay > 0 {
		opts = append(opts, retry.WithBaseWait(cfg.BaseDelay))
	}
	if cfg.MaxDelay > 0 {
		opts = append(opts, retry.WithMaxWait(cfg.MaxDelay))
	}
	return opts
}

// execute calls the step body, turning a panic into a fatal error.
func execute(step Step, ctx Context) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewWorkflowError(ErrorTypeFatal, fmt.Sprintf("step %q panicked: %v", step.Name(), r))
		}
	}()
	return step.Execute(ctx)
}

// handle applies a step result to the run. When discard is set the run is
// already stopping and the result is dropped. It returns an error when the
// run must fail.
func (x *execution) handle(ctx context.Context, res stepResult, discard bool, halting *bool) error {
	name := res.node.Name
	event := &StepExecutionEvent{
		RunID:     x.runID,
		GraphName: x.graph.name,
		StepName:  name,
		Visit:     res.visit,
		StartTime: res.start,
		EndTime:   res.end,
		Duration:  res.end.Sub(res.start),
	}

	if discard {
		x.tracker.steps[name] = StepPending
		if res.err != nil {
			event.Phase = PhaseFailed
			event.Error = res.err
			x.stepDone(ctx, event)
		}
		return nil
	}

	if res.err != nil {
		x.tracker.steps[name] = StepFailed
		event.Phase = PhaseFailed
		event.Error = res.err
		x.stepDone(ctx, event)
		return fmt.Errorf("step %q: %w", name, res.err)
	}

	if res.outcome.Suspended() {
		x.tracker.steps[name] = StepSuspended
		x.pending = append(x.pending, *res.outcome.Suspension)
		*halting = true
		event.Phase = PhaseSuspended
		event.Suspension = res.outcome.Suspension
		x.stepDone(ctx, event)
		return nil
	}

	if err := x.state.Merge(name, res.outcome.Delta); err != nil {
		x.tracker.steps[name] = StepFailed
		event.Phase = PhaseFailed
		event.Error = err
		x.stepDone(ctx, event)
		return fmt.Errorf("step %q: %w", name, WrapError(ErrorTypeFatal, err))
	}
	var route string
	if res.node.conditional() {
		var err error
		route, err = x.graph.route(ctx, res.node, x.state.Snapshot(), x.config)
		if err != nil {
			x.tracker.steps[name] = StepFailed
			event.Phase = PhaseFailed
			event.Error = err
			x.stepDone(ctx, event)
			return WrapError(ErrorTypeFatal, err)
		}
	}
	if rearmed := x.tracker.complete(name, route); len(rearmed) > 0 {
		x.logger.Debug("loop re-armed", "step", name, "route", route, "steps", rearmed)
	}
	event.Phase = PhaseCompleted
	event.Delta = res.outcome.Delta
	x.stepDone(ctx, event)
	return nil
}

func (x *execution) stepSkipped(ctx context.Context, name string) {
	now := time.Now().UTC()
	x.logger.Debug("step skipped", "step", name)
	x.engine.callbacks.AfterStepExecution(ctx, &StepExecutionEvent{
		RunID:     x.runID,
		GraphName: x.graph.name,
		StepName:  name,
		Phase:     PhaseSkipped,
		Visit:     x.tracker.visits[name],
		StartTime: now,
		EndTime:   now,
	})
}

func (x *execution) stepDone(ctx context.Context, event *StepExecutionEvent) {
	if event.Error != nil {
		x.logger.Warn("step failed", "step", event.StepName, "error", event.Error)
	} else {
		x.logger.Debug("step finished", "step", event.StepName, "phase", event.Phase, "duration", event.Duration)
	}
	x.engine.callbacks.AfterStepExecution(ctx, event)

	entry := &StepLogEntry{
		ID:         uuid.NewString(),
		RunID:      x.runID,
		StepName:   event.StepName,
		Visit:      event.Visit,
		Phase:      event.Phase,
		Delta:      event.Delta,
		Suspension: event.Suspension,
		StartTime:  event.StartTime,
		Duration:   event.Duration.Seconds(),
	}
	if event.Error != nil {
		entry.Error = event.Error.Error()
	}
	if err := x.engine.stepLogger.LogStep(context.WithoutCancel(ctx), entry); err != nil {
		x.logger.Warn("failed to log step", "step", event.StepName, "error", err)
	}
}

func (x *execution) unfinished() []string {
	var out []string
	for _, n := range x.graph.nodes {
		if s := x.tracker.steps[n.Name]; s != StepCompleted && s != StepSkipped {
			out = append(out, n.Name)
		}
	}
	return out
}

// finish persists the halted run and builds its result. A nil err means the
// run completed or suspended.
func (x *execution) finish(ctx context.Context, resumed bool, err error) (*Result, error) {
	// The run context may already be cancelled. Persisting the halt must
	// still happen.
	ctx = context.WithoutCancel(ctx)

	var result *Result
	var saveErr error
	switch {
	case err != nil && ErrorType(err) == ErrorTypeCancelled:
		result, saveErr = x.finishCancelled(ctx, err)
	case err != nil:
		result = &Result{RunID: x.runID, Status: RunFailed, State: x.state.Values(), Err: err}
		_, saveErr = x.save(ctx, RunFailed, err)
	case len(x.pending) > 0:
		x.sortPending()
		result = &Result{
			RunID:   x.runID,
			Status:  RunSuspended,
			State:   x.state.Values(),
			Request: &x.pending[0],
			Pending: x.pending,
		}
		_, saveErr = x.save(ctx, RunSuspended, nil)
	default:
		result = &Result{RunID: x.runID, Status: RunCompleted, State: x.state.Values()}
		_, saveErr = x.save(ctx, RunCompleted, nil)
	}
	if saveErr != nil {
		x.logger.Error("failed to persist run", "error", saveErr)
		return nil, saveErr
	}

	end := time.Now().UTC()
	status := result.Status
	if result.Cancelled() {
		status = RunCancelled
	}
	switch {
	case result.Err != nil:
		x.logger.Warn("run failed", "status", status, "error_type", ErrorType(result.Err), "error", result.Err)
	case status == RunSuspended:
		x.logger.Info("run suspended", "request_id", result.Request.ID, "step", result.Request.Step, "pending", len(result.Pending))
	default:
		x.logger.Info("run completed", "duration", end.Sub(x.startTime))
	}
	x.engine.callbacks.AfterRunExecution(ctx, &RunExecutionEvent{
		RunID:     x.runID,
		GraphName: x.graph.name,
		Status:    status,
		Resumed:   resumed,
		StartTime: x.startTime,
		EndTime:   end,
		Duration:  end.Sub(x.startTime),
		State:     result.State,
		Request:   result.Request,
		Error:     result.Err,
	})
	return result, nil
}

// finishCancelled marks the base checkpoint cancelled, discarding whatever
// this invocation merged since.
func (x *execution) finishCancelled(ctx context.Context, err error) (*Result, error) {
	cp := x.base.Clone()
	now := time.Now().UTC()
	cp.Status = RunCancelled
	cp.Error = err.Error()
	cp.ErrorType = ErrorType(err)
	cp.EndTime = now
	cp.CheckpointAt = now
	cp.Sequence++
	cp.ID = strconv.Itoa(cp.Sequence)
	if saveErr := x.engine.checkpointer.SaveCheckpoint(ctx, cp); saveErr != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", saveErr)
	}
	return &Result{RunID: x.runID, Status: RunFailed, State: cp.State, Err: err}, nil
}

func (x *execution) sortPending() {
	index := map[string]int{}
	for i, n := range x.graph.nodes {
		index[n.Name] = i
	}
	slices.SortStableFunc(x.pending, func(a, b SuspensionRequest) int {
		return index[a.Step] - index[b.Step]
	})
}

// save writes a checkpoint of the current run.
func (x *execution) save(ctx context.Context, status RunStatus, err error) (*Checkpoint, error) {
	x.sequence++
	now := time.Now().UTC()
	steps, visits, routes := x.tracker.snapshot()
	cp := &Checkpoint{
		ID:           strconv.Itoa(x.sequence),
		RunID:        x.runID,
		GraphName:    x.graph.name,
		Status:       status,
		State:        x.state.Values(),
		Steps:        steps,
		Visits:       visits,
		Routes:       routes,
		Config:       x.config.Clone(),
		Sequence:     x.sequence,
		StartTime:    x.startTime,
		CheckpointAt: now,
	}
	switch status {
	case RunSuspended:
		cp.Frontier = x.tracker.frontier()
		cp.Pending = slices.Clone(x.pending)
	case RunCompleted, RunFailed:
		cp.EndTime = now
	}
	if err != nil {
		cp.Error = err.Error()
		cp.ErrorType = ErrorType(err)
	}
	if saveErr := x.engine.checkpointer.SaveCheckpoint(ctx, cp); saveErr != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", saveErr)
	}
	return cp, nil
}
