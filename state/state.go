// Package state implements the typed accumulator threaded through every step
// of a run. Each field declares a merge policy that governs how step outputs
// are combined into it.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// MergePolicy governs how a delta value is combined with the current value of
// a field.
type MergePolicy string

const (
	// Replace overwrites the existing value (last writer wins).
	Replace MergePolicy = "replace"

	// Append concatenates the delta's entries onto the existing ordered list.
	// Entries are never truncated or deduplicated.
	Append MergePolicy = "append"
)

var (
	ErrUnknownField     = errors.New("unknown state field")
	ErrWriterNotAllowed = errors.New("writer not allowed for state field")
	ErrInvalidValue     = errors.New("invalid state value")
)

// Field declares a named state field.
type Field struct {
	Name        string      `json:"name" yaml:"name"`
	Policy      MergePolicy `json:"policy" yaml:"policy"`
	Default     any         `json:"default,omitempty" yaml:"default,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`

	// Writers optionally restricts which steps may write the field. An empty
	// list means any step may write it.
	Writers []string `json:"writers,omitempty" yaml:"writers,omitempty"`
}

// CanWrite reports whether the named writer may update the field.
func (f *Field) CanWrite(writer string) bool {
	return len(f.Writers) == 0 || slices.Contains(f.Writers, writer)
}

// Delta is a partial state update returned by a step.
type Delta map[string]any

// Schema is an ordered set of field declarations.
type Schema struct {
	fields []*Field
	byName map[string]*Field
}

// NewSchema validates the given fields and returns a schema.
func NewSchema(fields ...*Field) (*Schema, error) {
	s := &Schema{byName: make(map[string]*Field, len(fields))}
	for _, f := range fields {
		if f == nil || f.Name == "" {
			return nil, fmt.Errorf("state field name required")
		}
		if _, exists := s.byName[f.Name]; exists {
			return nil, fmt.Errorf("duplicate state field %q", f.Name)
		}
		switch f.Policy {
		case Replace, Append:
		case "":
			return nil, fmt.Errorf("state field %q: merge policy required", f.Name)
		default:
			return nil, fmt.Errorf("state field %q: unknown merge policy %q", f.Name, f.Policy)
		}
		s.fields = append(s.fields, f)
		s.byName[f.Name] = f
	}
	return s, nil
}

// Fields returns the field declarations in declaration order.
func (s *Schema) Fields() []*Field {
	return slices.Clone(s.fields)
}

// Field returns the declaration for the named field.
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// New creates a state from the schema. Replace fields start from their
// default and append fields start empty, unless initial supplies a value.
// New is also used to restore a state from a persisted checkpoint.
func (s *Schema) New(initial map[string]any) (*State, error) {
	for name := range initial {
		if _, ok := s.byName[name]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownField, name)
		}
	}
	st := &State{schema: s, values: make(map[string]any, len(s.fields))}
	for _, f := range s.fields {
		value, supplied := initial[f.Name]
		if !supplied {
			value = f.Default
		}
		switch f.Policy {
		case Append:
			entries, err := appendEntries(value)
			if err != nil {
				return nil, fmt.Errorf("state field %q: %w", f.Name, err)
			}
			st.values[f.Name] = entries
		default:
			normalized, err := Normalize(value)
			if err != nil {
				return nil, fmt.Errorf("state field %q: %w", f.Name, err)
			}
			st.values[f.Name] = normalized
		}
	}
	return st, nil
}

// State holds the current value of every field. It is not safe for concurrent
// mutation; a run merges deltas from a single goroutine.
type State struct {
	schema *Schema
	values map[string]any
}

// Schema returns the schema the state was created from.
func (s *State) Schema() *Schema {
	return s.schema
}

// Merge applies a delta on behalf of the named writer. The delta is validated
// in full before any field changes, so a rejected delta leaves the state as it
// was.
func (s *State) Merge(writer string, delta Delta) error {
	updates := make(map[string]any, len(delta))
	for name, value := range delta {
		f, ok := s.schema.byName[name]
		if !ok {
			return fmt.Errorf("%w %q written by %q", ErrUnknownField, name, writer)
		}
		if !f.CanWrite(writer) {
			return fmt.Errorf("%w: %q cannot write %q", ErrWriterNotAllowed, writer, name)
		}
		switch f.Policy {
		case Append:
			entries, err := appendEntries(value)
			if err != nil {
				return fmt.Errorf("state field %q: %w", name, err)
			}
			current, _ := s.values[name].([]any)
			merged := make([]any, 0, len(current)+len(entries))
			merged = append(merged, current...)
			updates[name] = append(merged, entries...)
		default:
			normalized, err := Normalize(value)
			if err != nil {
				return fmt.Errorf("state field %q: %w", name, err)
			}
			updates[name] = normalized
		}
	}
	for name, value := range updates {
		s.values[name] = value
	}
	return nil
}

// Get returns a deep copy of the named field's value.
func (s *State) Get(name string) (any, bool) {
	v, ok := s.values[name]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Values returns a deep copy of all field values.
func (s *State) Values() map[string]any {
	return deepCopy(s.values).(map[string]any)
}

// Snapshot returns a read-only view of the current values. Later merges do
// not affect an existing snapshot.
func (s *State) Snapshot() Snapshot {
	return Snapshot(s.Values())
}

// Clone returns an independent copy of the state.
func (s *State) Clone() *State {
	return &State{schema: s.schema, values: s.Values()}
}

// appendEntries converts a delta value for an append field into its entries.
// A list contributes each of its elements, any other value is one entry.
func appendEntries(value any) ([]any, error) {
	if value == nil {
		return []any{}, nil
	}
	normalized, err := Normalize(value)
	if err != nil {
		return nil, err
	}
	if list, ok := normalized.([]any); ok {
		return list, nil
	}
	return []any{normalized}, nil
}

// Normalize converts a value to its natural JSON form: objects become
// map[string]any, arrays []any and numbers float64. State values always hold
// this form so a state reloaded from a checkpoint is identical to the one that
// was saved.
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return out, nil
}

func deepCopy(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
