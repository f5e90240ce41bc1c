package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is text with embedded ${...} expressions.
type Template struct {
	raw      string
	segments []segment
}

type segment struct {
	text string
	code Script
}

// NewTemplate compiles every expression in raw.
func NewTemplate(compiler Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	t := &Template{raw: raw}
	var lastEnd int
	for _, match := range templateExpr.FindAllStringSubmatchIndex(raw, -1) {
		if match[0] > lastEnd {
			t.segments = append(t.segments, segment{text: raw[lastEnd:match[0]]})
		}
		expr := raw[match[2]:match[3]]
		code, err := compiler.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.segments = append(t.segments, segment{code: code})
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.segments = append(t.segments, segment{text: raw[lastEnd:]})
	}
	return t, nil
}

// Raw returns the source text.
func (t *Template) Raw() string {
	return t.raw
}

// Eval renders the template with the given globals.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.code == nil {
			sb.WriteString(seg.text)
			continue
		}
		result, err := seg.code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(result.String())
	}
	return sb.String(), nil
}

// Condition is a compiled boolean expression.
type Condition struct {
	source string
	code   Script
}

// NewCondition compiles a boolean expression.
func NewCondition(ctx context.Context, compiler Compiler, source string) (*Condition, error) {
	code, err := compiler.Compile(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", source, err)
	}
	return &Condition{source: source, code: code}, nil
}

// Source returns the expression text.
func (c *Condition) Source() string {
	return c.source
}

// Evaluate reports whether the expression is truthy for the given globals.
func (c *Condition) Evaluate(ctx context.Context, globals map[string]any) (bool, error) {
	value, err := c.code.Evaluate(ctx, globals)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.source, err)
	}
	return value.IsTruthy(), nil
}
