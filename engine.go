package worldflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/script"
	"go.jetify.com/typeid"
)

const (
	DefaultStepTimeout   = 5 * time.Minute
	DefaultMaxStepVisits = 25
)

// NewRunID returns a new unique run identifier
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// EngineOptions configures a new engine
type EngineOptions struct {
	Graph        *Graph
	Steps        []Step
	Checkpointer Checkpointer
	Generator    generation.Generator

	// Config holds defaults that each run's configuration is layered on.
	Config *Config

	Logger         *slog.Logger
	Callbacks      ExecutionCallbacks
	Progress       *ProgressLog
	StepLogger     StepLogger
	ScriptCompiler script.Compiler

	// DefaultStepTimeout bounds step invocations whose node sets no timeout.
	DefaultStepTimeout time.Duration

	// MaxConcurrency caps the number of steps running at once. Zero means no
	// cap.
	MaxConcurrency int

	// StepCallBudget caps the generator calls of one step invocation. Zero
	// means no cap.
	StepCallBudget int

	// MaxStepVisits fails a run whose steps would run more often than this,
	// guarding against loops whose exit condition never holds.
	MaxStepVisits int
}

// Engine runs a graph. It executes any number of runs concurrently, but at
// most one invocation per run id at a time.
type Engine struct {
	graph          *Graph
	steps          map[string]Step
	checkpointer   Checkpointer
	generator      generation.Generator
	config         *Config
	logger         *slog.Logger
	callbacks      ExecutionCallbacks
	progress       *ProgressLog
	stepLogger     StepLogger
	compiler       script.Compiler
	stepTimeout    time.Duration
	maxConcurrency int
	callBudget     int
	maxVisits      int

	mutex  sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	cancel    context.CancelCauseFunc
	cancelled bool
}

// StartRequest describes a new run.
type StartRequest struct {
	RunID  string         `json:"run_id,omitempty"`
	State  map[string]any `json:"state,omitempty"`
	Config *Config        `json:"config,omitempty"`
}

// Result is the outcome of Start or Resume.
type Result struct {
	RunID  string
	Status RunStatus
	State  map[string]any

	// Request is the first pending request of a suspended run. Pending lists
	// all of them when several concurrent steps suspended.
	Request *SuspensionRequest
	Pending []SuspensionRequest

	Err error
}

// Cancelled reports whether the run failed because it was cancelled.
func (r *Result) Cancelled() bool {
	return r.Err != nil && ErrorType(r.Err) == ErrorTypeCancelled
}

// NewEngine creates an engine for a graph
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewMemoryCheckpointer()
	}
	if opts.Generator == nil {
		opts.Generator = generation.GeneratorFunc(unavailableGenerator)
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
	}
	if opts.Progress == nil {
		opts.Progress = NewProgressLog()
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.DefaultStepTimeout <= 0 {
		opts.DefaultStepTimeout = DefaultStepTimeout
	}
	if opts.MaxStepVisits <= 0 {
		opts.MaxStepVisits = DefaultMaxStepVisits
	}

	steps := make(map[string]Step, len(opts.Steps))
	for _, step := range opts.Steps {
		if step == nil || step.Name() == "" {
			return nil, fmt.Errorf("step name required")
		}
		if _, exists := steps[step.Name()]; exists {
			return nil, fmt.Errorf("duplicate step %q", step.Name())
		}
		steps[step.Name()] = step
	}
	for _, node := range opts.Graph.nodes {
		if _, ok := steps[node.StepName()]; ok {
			continue
		}
		if node.Generate == nil {
			return nil, fmt.Errorf("node %q: step %q is not registered", node.Name, node.StepName())
		}
		step, err := NewGenerateStep(node.StepName(), *node.Generate, opts.ScriptCompiler)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", node.Name, err)
		}
		steps[node.StepName()] = step
	}

	callbacks := NewCallbackChain(opts.Progress)
	if opts.Callbacks != nil {
		callbacks.Add(opts.Callbacks)
	}

	return &Engine{
		graph:          opts.Graph,
		steps:          steps,
		checkpointer:   opts.Checkpointer,
		generator:      opts.Generator,
		config:         opts.Config.Clone(),
		logger:         opts.Logger,
		callbacks:      callbacks,
		progress:       opts.Progress,
		stepLogger:     opts.StepLogger,
		compiler:       opts.ScriptCompiler,
		stepTimeout:    opts.DefaultStepTimeout,
		maxConcurrency: opts.MaxConcurrency,
		callBudget:     opts.StepCallBudget,
		maxVisits:      opts.MaxStepVisits,
		active:         map[string]*activeRun{},
	}, nil
}

// Graph returns the graph the engine runs
func (e *Engine) Graph() *Graph {
	return e.graph
}

// Start begins a new run and executes it until it completes, suspends or
// fails. Starting a run id that already has a checkpoint fails with
// ErrRunExists.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Result, error) {
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	if err := e.acquire(req.RunID); err != nil {
		return nil, err
	}
	defer e.release(req.RunID)

	if _, err := e.checkpointer.LoadCheckpoint(ctx, req.RunID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, req.RunID)
	} else if !errors.Is(err, ErrCheckpointNotFound) {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	st, err := e.graph.schema.New(req.State)
	if err != nil {
		return nil, WrapError(ErrorTypeValidation, fmt.Errorf("invalid initial state: %w", err))
	}
	x := e.newExecution(req.RunID, e.config.merged(req.Config))
	x.state = st
	x.tracker = newTracker(e.graph)
	x.startTime = time.Now().UTC()

	// Record the run before any step executes so it is visible and its id
	// cannot be reused.
	base, err := x.save(ctx, RunRunning, nil)
	if err != nil {
		return nil, err
	}
	x.base = base
	x.logger.Info("run started", "graph", e.graph.name)
	return x.run(ctx, false)
}

// Resume continues a suspended run with the answer to one of its pending
// requests. The steps of the persisted frontier run again from the start
// with the answer recorded in state. A rejected input leaves the checkpoint
// untouched.
func (e *Engine) Resume(ctx context.Context, runID string, input ResumptionInput) (*Result, error) {
	if err := e.acquire(runID); err != nil {
		return nil, err
	}
	defer e.release(runID)

	cp, err := e.loadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp.Status != RunSuspended {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotResumable, runID, cp.Status)
	}
	if cp.GraphName != e.graph.name {
		return nil, fmt.Errorf("%w: run %s belongs to graph %q", ErrRunNotResumable, runID, cp.GraphName)
	}
	req, ok := cp.PendingRequest(input.RequestID)
	if !ok {
		return nil, protocolError("run %s has no pending request %q", runID, input.RequestID)
	}
	clarification, err := req.Accept(input)
	if err != nil {
		return nil, err
	}

	st, err := e.graph.schema.New(cp.State)
	if err != nil {
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}
	if err := st.Merge(EngineWriter, map[string]any{ClarificationsField: []any{clarification}}); err != nil {
		return nil, fmt.Errorf("failed to record clarification: %w", err)
	}
	x := e.newExecution(runID, cp.Config)
	x.state = st
	x.tracker = restoreTracker(e.graph, cp)
	for _, name := range cp.Frontier {
		if x.tracker.steps[name] == StepSuspended {
			x.tracker.steps[name] = StepPending
		}
	}
	x.startTime = cp.StartTime
	x.sequence = cp.Sequence
	x.base = cp
	x.logger.Info("run resumed", "request_id", input.RequestID, "skipped", input.Skipped, "frontier", cp.Frontier)
	return x.run(ctx, true)
}

// Cancel stops a run. An executing run has its in-flight steps cancelled and
// fails as cancelled. A suspended run is marked cancelled so it can no longer
// be resumed. Either way the persisted state and frontier are left as they
// were.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mutex.Lock()
	if run, ok := e.active[runID]; ok {
		run.cancelled = true
		if run.cancel != nil {
			run.cancel(ErrCancelled)
		}
		e.mutex.Unlock()
		e.logger.Info("cancelling active run", "run_id", runID)
		return nil
	}
	e.active[runID] = &activeRun{}
	e.mutex.Unlock()
	defer e.release(runID)

	cp, err := e.loadCheckpoint(ctx, runID)
	if err != nil {
		return err
	}
	if cp.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotResumable, runID, cp.Status)
	}
	x := e.newExecution(runID, cp.Config)
	x.startTime = cp.StartTime
	x.sequence = cp.Sequence
	x.base = cp
	result, err := x.finishCancelled(ctx, WrapError(ErrorTypeCancelled, ErrCancelled))
	if err != nil {
		return err
	}
	e.callbacks.AfterRunExecution(ctx, &RunExecutionEvent{
		RunID:     runID,
		GraphName: e.graph.name,
		Status:    RunCancelled,
		StartTime: cp.StartTime,
		EndTime:   time.Now().UTC(),
		State:     result.State,
		Error:     result.Err,
	})
	return nil
}

// Checkpoint returns the latest persisted checkpoint of a run.
func (e *Engine) Checkpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	return e.loadCheckpoint(ctx, runID)
}

// ListRuns lists runs if the checkpointer supports it.
func (e *Engine) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	lister, ok := e.checkpointer.(RunLister)
	if !ok {
		return nil, fmt.Errorf("checkpointer %T cannot list runs", e.checkpointer)
	}
	return lister.ListRuns(ctx)
}

// Subscribe streams progress events of a run after the given sequence
// number. See ProgressLog.Subscribe.
func (e *Engine) Subscribe(ctx context.Context, runID string, after int64) <-chan ProgressEvent {
	return e.progress.Subscribe(ctx, runID, after)
}

// Events returns the recorded progress events of a run after the given
// sequence number.
func (e *Engine) Events(runID string, after int64) []ProgressEvent {
	return e.progress.Events(runID, after)
}

// Progress returns the latest phase of every step that has reported one.
func (e *Engine) Progress(runID string) map[string]Phase {
	return e.progress.Snapshot(runID)
}

// HasProgress reports whether the progress log of a run is still held.
// Logs of finished runs are dropped after the progress retention period.
func (e *Engine) HasProgress(runID string) bool {
	return e.progress.Has(runID)
}

// Active reports whether a run is currently executing.
func (e *Engine) Active(runID string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	_, ok := e.active[runID]
	return ok
}

func (e *Engine) acquire(runID string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if _, ok := e.active[runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	e.active[runID] = &activeRun{}
	return nil
}

func (e *Engine) release(runID string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.active, runID)
}

// bindCancel registers the cancel function of an executing run. It reports
// whether the run was cancelled before it started executing.
func (e *Engine) bindCancel(runID string, cancel context.CancelCauseFunc) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	run, ok := e.active[runID]
	if !ok {
		return false
	}
	run.cancel = cancel
	return run.cancelled
}

func (e *Engine) loadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	cp, err := e.checkpointer.LoadCheckpoint(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

func unavailableGenerator(ctx context.Context, req generation.Request) (json.RawMessage, error) {
	return nil, &generation.EngineError{Provider: "none", Err: errors.New("no generator configured")}
}
