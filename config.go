package worldflow

import (
	"maps"

	"github.com/deepnoodle-ai/worldflow/state"
)

// Config is the read-only run configuration threaded into every step. It is
// persisted with the checkpoint so a resumed run sees the same settings.
type Config struct {
	Model       string          `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature *float32        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Modules     map[string]bool `json:"modules,omitempty" yaml:"modules,omitempty"`
	Params      map[string]any  `json:"params,omitempty" yaml:"params,omitempty"`
}

// ModuleEnabled reports whether an optional module is on. Modules that are
// not listed are enabled.
func (c *Config) ModuleEnabled(name string) bool {
	if c == nil || name == "" {
		return true
	}
	enabled, ok := c.Modules[name]
	return !ok || enabled
}

// Param returns a run parameter.
func (c *Config) Param(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.Params[name]
	return v, ok
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	out := &Config{Model: c.Model, Modules: maps.Clone(c.Modules)}
	if c.Temperature != nil {
		t := *c.Temperature
		out.Temperature = &t
	}
	if c.Params != nil {
		out.Params = state.Snapshot(c.Params).Values()
	}
	return out
}

// merged returns base overlaid with the non-empty settings of override.
func (c *Config) merged(override *Config) *Config {
	out := c.Clone()
	if override == nil {
		return out
	}
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		t := *override.Temperature
		out.Temperature = &t
	}
	for k, v := range override.Modules {
		if out.Modules == nil {
			out.Modules = map[string]bool{}
		}
		out.Modules[k] = v
	}
	for k, v := range override.Params {
		if out.Params == nil {
			out.Params = map[string]any{}
		}
		out.Params[k] = v
	}
	return out
}

// scriptValue exposes the configuration to edge conditions.
func (c *Config) scriptValue() map[string]any {
	modules := make(map[string]any, len(c.Modules))
	for k, v := range c.Modules {
		modules[k] = v
	}
	params := map[string]any{}
	if c.Params != nil {
		params = state.Snapshot(c.Params).Values()
	}
	return map[string]any{
		"model":   c.Model,
		"modules": modules,
		"params":  params,
	}
}
