package worldflow

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/worldflow/state"
)

// Edge connects a node to a successor. An edge without a condition is always
// taken. The conditional edges of a node form a single routing decision: the
// first edge whose condition holds is taken, and if none holds the branch ends.
type Edge struct {
	Step      string `json:"step" yaml:"step"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Router chooses the successor of a node after it completes. It returns the
// name of one of the node's Next steps, or "" to end the branch.
type Router func(ctx context.Context, st state.Reader, cfg *Config) (string, error)

// RetryConfig configures retry behavior for a node.
type RetryConfig struct {
	// ErrorEquals lists the error types that are retried. Defaults to
	// validation failures.
	ErrorEquals []string      `json:"error_equals,omitempty" yaml:"error_equals,omitempty"`
	MaxRetries  int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelay   time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Node places a step in the graph.
type Node struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Step names the registered step body. Defaults to Name.
	Step string `json:"step,omitempty" yaml:"step,omitempty"`

	Next   []*Edge `json:"next,omitempty" yaml:"next,omitempty"`
	Router Router  `json:"-" yaml:"-"`

	// Timeout bounds each invocation. Defaults to the engine's step timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Writes declares the state fields the step writes. Unordered nodes may
	// not declare the same replace field.
	Writes []string `json:"writes,omitempty" yaml:"writes,omitempty"`

	// Module makes the node optional. When the run configuration disables the
	// module, the node completes with an empty delta without running its step.
	Module string `json:"module,omitempty" yaml:"module,omitempty"`

	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Generate declares a generation step inline instead of a registered body.
	Generate *GenerateConfig `json:"generate,omitempty" yaml:"generate,omitempty"`
}

// StepName returns the name of the step body the node runs.
func (n *Node) StepName() string {
	if n.Step != "" {
		return n.Step
	}
	return n.Name
}

// conditional reports whether the node routes to its successors.
func (n *Node) conditional() bool {
	if n.Router != nil {
		return true
	}
	for _, e := range n.Next {
		if e.Condition != "" {
			return true
		}
	}
	return false
}
