package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func evaluate(t *testing.T, code string, globals map[string]any) Value {
	t.Helper()
	compiled, err := NewRisorScriptingEngine(DefaultRisorGlobals()).Compile(context.Background(), code)
	require.NoError(t, err)
	value, err := compiled.Evaluate(context.Background(), globals)
	require.NoError(t, err)
	return value
}

func TestValueUsesStateForm(t *testing.T) {
	tests := []struct {
		code string
		want any
	}{
		{`3`, float64(3)},
		{`1.5`, 1.5},
		{`"grim"`, "grim"},
		{`nil`, nil},
		{`[1, "a", [true]]`, []any{float64(1), "a", []any{true}}},
		{`{"regions": 2}`, map[string]any{"regions": float64(2)}},
		{`state.review.pass + 1`, float64(2)},
	}
	globals := map[string]any{"state": map[string]any{"review": map[string]any{"pass": 1}}}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			require.Equal(t, tt.want, evaluate(t, tt.code, globals).Value())
		})
	}
}

func TestValueTruthiness(t *testing.T) {
	tests := map[string]bool{
		`"false"`:  false,
		`"FALSE"`:  false,
		`""`:       false,
		`"yes"`:    true,
		`0`:        false,
		`2`:        true,
		`[]`:       false,
		`{}`:       false,
		`{"a": 1}`: true,
		`nil`:      false,
	}
	for code, want := range tests {
		require.Equal(t, want, evaluate(t, code, nil).IsTruthy(), code)
	}
}
