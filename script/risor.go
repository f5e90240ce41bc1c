package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

type RisorScript struct {
	engine *RisorScriptingEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combinedGlobals := make(map[string]any, len(s.engine.globals)+len(globals))
	maps.Copy(combinedGlobals, s.engine.globals)
	maps.Copy(combinedGlobals, globals)
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combinedGlobals))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorScriptingEngine compiles Risor source. Every global name that scripts
// may reference must be known at compile time.
type RisorScriptingEngine struct {
	globals map[string]any
}

func NewRisorScriptingEngine(globals map[string]any) *RisorScriptingEngine {
	return &RisorScriptingEngine{globals: globals}
}

func (e *RisorScriptingEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	globalNames := slices.Collect(maps.Keys(e.globals))
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiledCode}, nil
}

type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return toState(value.obj)
}

// IsTruthy follows Risor truthiness, except that the string "false" is
// false so conditions may compare against rendered values.
func (value *RisorValue) IsTruthy() bool {
	if s, ok := value.obj.(*object.String); ok {
		return s.Value() != "" && !strings.EqualFold(s.Value(), "false")
	}
	return value.obj.IsTruthy()
}

// toState converts a Risor object into a state value.
func toState(obj object.Object) any {
	switch o := obj.(type) {
	case *object.NilType:
		return nil
	case *object.Bool:
		return o.Value()
	case *object.String:
		return o.Value()
	case *object.Int:
		return float64(o.Value())
	case *object.Float:
		return o.Value()
	case *object.Time:
		return o.Value().UTC().Format(time.RFC3339)
	case *object.List:
		out := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			out = append(out, toState(item))
		}
		return out
	case *object.Set:
		out := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			out = append(out, toState(item))
		}
		slices.SortFunc(out, func(a, b any) int {
			return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
		})
		return out
	case *object.Map:
		out := make(map[string]any, len(o.Value()))
		for k, v := range o.Value() {
			out[k] = toState(v)
		}
		return out
	}
	return obj.Inspect()
}

func (value *RisorValue) String() string {
	switch v := value.obj.(type) {
	case *object.String:
		return v.Value()
	case *object.Int:
		return fmt.Sprintf("%d", v.Value())
	case *object.Float:
		return fmt.Sprintf("%g", v.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", v.Value())
	case *object.Time:
		return v.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(v.Value()))
		for _, item := range v.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, ", ")
	case *object.Map:
		keys := slices.Sorted(maps.Keys(v.Value()))
		items := make([]string, 0, len(keys))
		for _, k := range keys {
			items = append(items, fmt.Sprintf("%s: %s", k, (&RisorValue{obj: v.Value()[k]}).String()))
		}
		return strings.Join(items, "\n")
	default:
		return value.obj.Inspect()
	}
}

// DefaultRisorGlobals returns the Risor builtins plus empty placeholders for
// the run state and configuration, which are supplied at evaluation time.
func DefaultRisorGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		globals[name] = value
	}
	globals["state"] = object.NewMap(map[string]object.Object{})
	globals["config"] = object.NewMap(map[string]object.Object{})
	return globals
}
