package worldgen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/state"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const systemPrompt = `You are a worldbuilding assistant. You design coherent fictional worlds and
answer only with JSON matching the requested schema.`

// generate asks the generation engine for a T described by the JSON schema of
// its type.
func generate[T any](ctx worldflow.Context, schemaName, prompt string) (T, error) {
	var zero T
	def, err := jsonschema.GenerateSchemaForType(zero)
	if err != nil {
		return zero, fmt.Errorf("schema for %s: %w", schemaName, err)
	}
	schema, err := json.Marshal(def)
	if err != nil {
		return zero, fmt.Errorf("schema for %s: %w", schemaName, err)
	}
	cfg := ctx.Config()
	return generation.Into[T](ctx, ctx.Generator(), generation.Request{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		System:      systemPrompt,
		Prompt:      prompt,
		SchemaName:  schemaName,
		Schema:      schema,
	})
}

// prompt builds a prompt from an instruction followed by labelled context
// sections.
type prompt struct {
	b strings.Builder
}

func newPrompt(instruction string) *prompt {
	p := &prompt{}
	p.b.WriteString(strings.TrimSpace(instruction))
	p.b.WriteString("\n")
	return p
}

func (p *prompt) text(label, value string) *prompt {
	if value == "" {
		return p
	}
	fmt.Fprintf(&p.b, "\n%s:\n%s\n", label, value)
	return p
}

func (p *prompt) list(label string, items []string) *prompt {
	if len(items) == 0 {
		return p
	}
	fmt.Fprintf(&p.b, "\n%s:\n", label)
	for _, item := range items {
		fmt.Fprintf(&p.b, "- %s\n", item)
	}
	return p
}

func (p *prompt) json(label string, value any) *prompt {
	if value == nil {
		return p
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return p
	}
	return p.text(label, string(data))
}

func (p *prompt) fields(st state.Reader, names ...string) *prompt {
	for _, name := range names {
		if v, ok := st.Get(name); ok && v != nil {
			p.json(name, v)
		}
	}
	return p
}

func (p *prompt) String() string {
	return p.b.String()
}

// facts returns the facts field as strings.
func facts(st state.Reader) []string {
	var out []string
	for _, v := range state.List(st, FieldFacts) {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func loreEntries(source string, notes []string) []any {
	out := make([]any, 0, len(notes))
	for _, note := range notes {
		if note = strings.TrimSpace(note); note != "" {
			out = append(out, fmt.Sprintf("[%s] %s", source, note))
		}
	}
	return out
}
