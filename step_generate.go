package worldflow

import (
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/script"
	"github.com/deepnoodle-ai/worldflow/state"
)

// GenerateConfig declares a step that renders a prompt from state, calls the
// generation engine and stores the decoded output in one field.
type GenerateConfig struct {
	// System and Prompt may reference state and config with ${...}
	// expressions.
	System string `json:"system,omitempty" yaml:"system,omitempty"`
	Prompt string `json:"prompt" yaml:"prompt"`

	// Store names the state field that receives the output.
	Store string `json:"store" yaml:"store"`

	SchemaName  string         `json:"schema_name,omitempty" yaml:"schema_name,omitempty"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	Model       string         `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature *float32       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

type generateStep struct {
	name   string
	cfg    GenerateConfig
	system *script.Template
	prompt *script.Template
	schema json.RawMessage
}

// NewGenerateStep compiles a declarative generation step.
func NewGenerateStep(name string, cfg GenerateConfig, compiler script.Compiler) (Step, error) {
	if cfg.Prompt == "" {
		return nil, fmt.Errorf("generate step %q: prompt is required", name)
	}
	if cfg.Store == "" {
		return nil, fmt.Errorf("generate step %q: store field is required", name)
	}
	step := &generateStep{name: name, cfg: cfg}
	var err error
	if step.prompt, err = script.NewTemplate(compiler, cfg.Prompt); err != nil {
		return nil, fmt.Errorf("generate step %q: %w", name, err)
	}
	if cfg.System != "" {
		if step.system, err = script.NewTemplate(compiler, cfg.System); err != nil {
			return nil, fmt.Errorf("generate step %q: %w", name, err)
		}
	}
	if cfg.Schema != nil {
		if step.schema, err = json.Marshal(cfg.Schema); err != nil {
			return nil, fmt.Errorf("generate step %q: invalid schema: %w", name, err)
		}
	}
	return step, nil
}

func (s *generateStep) Name() string {
	return s.name
}

func (s *generateStep) Execute(ctx Context) (Outcome, error) {
	cfg := ctx.Config()
	globals := map[string]any{
		"state":  ctx.State().Values(),
		"config": cfg.scriptValue(),
	}
	prompt, err := s.prompt.Eval(ctx, globals)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to render prompt: %w", err)
	}
	req := generation.Request{
		Model:       cfg.Model,
		Prompt:      prompt,
		SchemaName:  s.cfg.SchemaName,
		Schema:      s.schema,
		Temperature: cfg.Temperature,
	}
	if s.system != nil {
		if req.System, err = s.system.Eval(ctx, globals); err != nil {
			return Outcome{}, fmt.Errorf("failed to render system prompt: %w", err)
		}
	}
	if s.cfg.Model != "" {
		req.Model = s.cfg.Model
	}
	if s.cfg.Temperature != nil {
		req.Temperature = s.cfg.Temperature
	}
	value, err := generation.Into[any](ctx, ctx.Generator(), req)
	if err != nil {
		return Outcome{}, err
	}
	ctx.Logger().Debug("generated output", "field", s.cfg.Store)
	return Update(state.Delta{s.cfg.Store: value}), nil
}
