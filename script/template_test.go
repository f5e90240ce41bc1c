package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:    "plain string without template variables",
			input:   "Hello World",
			globals: nil,
			want:    "Hello World",
		},
		{
			name:  "string with single template variable",
			input: "Hello ${state.name}",
			globals: map[string]any{
				"state": map[string]any{
					"name": "Alice",
				},
			},
			want: "Hello Alice",
		},
		{
			name:  "string with multiple template variables",
			input: "${state.greeting} ${state.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"state": map[string]any{
					"greeting": "Hello",
					"name":     "Bob",
				},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:    "string with nested expressions",
			input:   "Result: ${1 + (2 * 3)}",
			globals: nil,
			want:    "Result: 7",
		},
		{
			name:        "invalid template syntax - unclosed brace",
			input:       "Hello ${name",
			globals:     map[string]any{"name": "Alice"},
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression inside template",
			input:       "Hello ${1 +}",
			globals:     nil,
			wantErr:     true,
			errContains: "invalid expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			globals:     nil,
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewTemplate(NewRisorScriptingEngine(DefaultRisorGlobals()), tt.input)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
			got, err := s.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateAdjacentExpressions(t *testing.T) {
	tmpl, err := NewTemplate(NewRisorScriptingEngine(DefaultRisorGlobals()), "${state.a}${state.b}-${state.c}")
	require.NoError(t, err)
	got, err := tmpl.Eval(context.Background(), map[string]any{
		"state": map[string]any{"a": "x", "b": "y", "c": "z"},
	})
	require.NoError(t, err)
	require.Equal(t, "xy-z", got)
}

func TestCondition(t *testing.T) {
	compiler := NewRisorScriptingEngine(DefaultRisorGlobals())
	tests := []struct {
		name   string
		source string
		state  map[string]any
		want   bool
	}{
		{
			name:   "nested map access",
			source: `state.review.critical`,
			state:  map[string]any{"review": map[string]any{"critical": true}},
			want:   true,
		},
		{
			name:   "comparison against json number",
			source: `state.iteration_count < 2`,
			state:  map[string]any{"iteration_count": float64(1)},
			want:   true,
		},
		{
			name:   "cap reached",
			source: `state.review.critical && state.iteration_count < 2`,
			state: map[string]any{
				"review":          map[string]any{"critical": true},
				"iteration_count": float64(2),
			},
			want: false,
		},
		{
			name:   "empty list is falsy",
			source: `state.facts`,
			state:  map[string]any{"facts": []any{}},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := NewCondition(context.Background(), compiler, tt.source)
			require.NoError(t, err)
			require.Equal(t, tt.source, cond.Source())
			got, err := cond.Evaluate(context.Background(), map[string]any{
				"state":  tt.state,
				"config": map[string]any{},
			})
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := NewCondition(context.Background(), compiler, `unknown_name > 1`)
	require.Error(t, err)
}
