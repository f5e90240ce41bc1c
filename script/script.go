// Package script evaluates small Risor expressions against run state. It
// backs conditional edges and prompt templates.
package script

import (
	"context"
)

// Value is the result of evaluating a script.
type Value interface {
	// Value returns the result in the JSON form used by run state: numbers
	// are float64, lists are []any and maps are map[string]any.
	Value() any
	String() string
	IsTruthy() bool
}

// Script is compiled source that can be evaluated many times.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
