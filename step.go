package worldflow

import (
	"fmt"

	"github.com/deepnoodle-ai/worldflow/state"
)

// Step is a named unit of graph work. A step reads the state it is given,
// may call the generation engine, and returns either a delta or a suspension.
//
// Steps must derive all of their progress from the state they receive. When a
// suspended run resumes, the engine invokes the step's body again from the
// start, so nothing may be carried in local variables across suspensions.
type Step interface {
	Name() string
	Execute(ctx Context) (Outcome, error)
}

// Outcome is the result of a step invocation: a state delta, or a request
// for human input.
type Outcome struct {
	Delta      state.Delta        `json:"delta,omitempty"`
	Suspension *SuspensionRequest `json:"suspension,omitempty"`
}

// Update returns an outcome that merges delta into the run state.
func Update(delta state.Delta) Outcome {
	return Outcome{Delta: delta}
}

// Suspend returns an outcome that pauses the run until req is answered.
func Suspend(req *SuspensionRequest) Outcome {
	return Outcome{Suspension: req}
}

// Suspended reports whether the outcome requests human input.
func (o Outcome) Suspended() bool {
	return o.Suspension != nil
}

// StepFunc is the signature of a step body.
type StepFunc func(ctx Context) (Outcome, error)

type funcStep struct {
	name string
	fn   StepFunc
}

// NewStep returns a step that runs fn.
func NewStep(name string, fn StepFunc) Step {
	return &funcStep{name: name, fn: fn}
}

func (s *funcStep) Name() string {
	return s.name
}

func (s *funcStep) Execute(ctx Context) (Outcome, error) {
	return s.fn(ctx)
}

// noopStep completes without touching state. It stands in for optional steps
// whose module is disabled.
type noopStep struct {
	name string
}

func (s *noopStep) Name() string {
	return s.name
}

func (s *noopStep) Execute(ctx Context) (Outcome, error) {
	return Update(nil), nil
}

func validateOutcome(step string, outcome Outcome) error {
	if outcome.Suspension == nil {
		return nil
	}
	if len(outcome.Delta) > 0 {
		return fmt.Errorf("step %q returned both a delta and a suspension", step)
	}
	if outcome.Suspension.Step == "" {
		outcome.Suspension.Step = step
	}
	if outcome.Suspension.Step != step {
		return fmt.Errorf("step %q returned a suspension for step %q", step, outcome.Suspension.Step)
	}
	return outcome.Suspension.Validate()
}
