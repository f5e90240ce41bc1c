package worldflow

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/worldflow/state"
)

// ExecutionCallbacks defines the callback interface for run execution events.
// Callbacks are invoked from the run's orchestration goroutine and should
// return quickly.
type ExecutionCallbacks interface {
	// Run-level callbacks
	BeforeRunExecution(ctx context.Context, event *RunExecutionEvent)
	AfterRunExecution(ctx context.Context, event *RunExecutionEvent)

	// Step-level callbacks
	BeforeStepExecution(ctx context.Context, event *StepExecutionEvent)
	AfterStepExecution(ctx context.Context, event *StepExecutionEvent)
}

// RunExecutionEvent provides context for run-level execution events
type RunExecutionEvent struct {
	RunID     string
	GraphName string
	Status    RunStatus
	Resumed   bool
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	State     map[string]any
	Request   *SuspensionRequest
	Error     error
}

// StepExecutionEvent provides context for step-level execution events. Phase
// is PhaseStarted for BeforeStepExecution and the outcome phase afterwards.
// Skipped steps only produce an AfterStepExecution call.
type StepExecutionEvent struct {
	RunID      string
	GraphName  string
	StepName   string
	Phase      Phase
	Visit      int
	Delta      state.Delta
	Suspension *SuspensionRequest
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Error      error
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeRunExecution(ctx context.Context, event *RunExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterRunExecution(ctx context.Context, event *RunExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeStepExecution(ctx context.Context, event *StepExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterStepExecution(ctx context.Context, event *StepExecutionEvent) {
	// noop
}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRunExecution(ctx context.Context, event *RunExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRunExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterRunExecution(ctx context.Context, event *RunExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRunExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeStepExecution(ctx context.Context, event *StepExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStepExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterStepExecution(ctx context.Context, event *StepExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStepExecution(ctx, event)
	}
}
