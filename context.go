package worldflow

import (
	"context"
	"io"
	"log/slog"

	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/script"
	"github.com/deepnoodle-ai/worldflow/state"
)

// Context is passed to a step invocation. It carries the cancellation and
// deadline of the invocation plus read-only views of the run.
type Context interface {
	context.Context

	// RunID returns the id of the run.
	RunID() string

	// StepName returns the name of the executing step.
	StepName() string

	// Visit returns how many times this step has already completed in the run.
	Visit() int

	// State returns a read-only snapshot of the run state.
	State() state.Reader

	// Config returns a copy of the run configuration.
	Config() *Config

	// Generator returns the generation engine, limited to this invocation's
	// call budget.
	Generator() generation.Generator

	// Logger returns a logger annotated with the run and step.
	Logger() *slog.Logger

	// Compiler returns the script compiler used for templates.
	Compiler() script.Compiler

	// Clarifications returns the answered requests recorded for this step.
	Clarifications() []Clarification

	// Answer returns the recorded answer to a request, if any.
	Answer(requestID string) (*Clarification, bool)
}

// ContextOptions configures NewContext.
type ContextOptions struct {
	RunID     string
	StepName  string
	Visit     int
	State     state.Reader
	Config    *Config
	Generator generation.Generator
	Logger    *slog.Logger
	Compiler  script.Compiler
}

type stepContext struct {
	context.Context
	opts ContextOptions
}

// NewContext builds a step context. The engine uses it for every invocation;
// it is exported so step bodies can be exercised directly.
func NewContext(parent context.Context, opts ContextOptions) Context {
	if opts.State == nil {
		opts.State = state.Snapshot{}
	}
	if opts.Config == nil {
		opts.Config = &Config{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
	}
	if opts.Generator == nil {
		opts.Generator = generation.GeneratorFunc(unavailableGenerator)
	}
	return &stepContext{Context: parent, opts: opts}
}

func (c *stepContext) RunID() string                   { return c.opts.RunID }
func (c *stepContext) StepName() string                { return c.opts.StepName }
func (c *stepContext) Visit() int                      { return c.opts.Visit }
func (c *stepContext) State() state.Reader             { return c.opts.State }
func (c *stepContext) Config() *Config                 { return c.opts.Config.Clone() }
func (c *stepContext) Generator() generation.Generator { return c.opts.Generator }
func (c *stepContext) Logger() *slog.Logger            { return c.opts.Logger }
func (c *stepContext) Compiler() script.Compiler       { return c.opts.Compiler }

func (c *stepContext) Clarifications() []Clarification {
	all, err := state.Decode[[]Clarification](c.opts.State, ClarificationsField)
	if err != nil {
		c.opts.Logger.Warn("failed to decode clarifications", "error", err)
		return nil
	}
	var out []Clarification
	for _, cl := range all {
		if cl.Step == c.opts.StepName {
			out = append(out, cl)
		}
	}
	return out
}

func (c *stepContext) Answer(requestID string) (*Clarification, bool) {
	for _, cl := range c.Clarifications() {
		if cl.RequestID == requestID {
			return &cl, true
		}
	}
	return nil, false
}

type contextKey string

const loggerContextKey contextKey = "logger"

// WithLogger attaches a logger to ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext returns the logger attached to ctx, if any.
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}
