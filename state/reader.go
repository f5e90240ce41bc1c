package state

import (
	"encoding/json"
	"fmt"
)

// Reader provides read-only access to run state
type Reader interface {
	// Get returns the value of a field
	Get(name string) (any, bool)

	// Values returns a copy of all field values
	Values() map[string]any
}

// Snapshot is a detached, read-only copy of state values.
type Snapshot map[string]any

// Get returns a deep copy of the named value.
func (s Snapshot) Get(name string) (any, bool) {
	v, ok := s[name]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Values returns a deep copy of all values.
func (s Snapshot) Values() map[string]any {
	return deepCopy(map[string]any(s)).(map[string]any)
}

// String returns the named value if it is a string.
func String(r Reader, name string) string {
	v, _ := r.Get(name)
	s, _ := v.(string)
	return s
}

// Int returns the named value as an int. JSON numbers are float64 in state.
func Int(r Reader, name string) int {
	v, _ := r.Get(name)
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

// Bool returns the named value if it is a bool.
func Bool(r Reader, name string) bool {
	v, _ := r.Get(name)
	b, _ := v.(bool)
	return b
}

// List returns the entries of the named field, or nil if it is not a list.
func List(r Reader, name string) []any {
	v, _ := r.Get(name)
	list, _ := v.([]any)
	return list
}

// Decode converts the named value into T. A missing or null field yields the
// zero value of T.
func Decode[T any](r Reader, name string) (T, error) {
	var out T
	v, ok := r.Get(name)
	if !ok || v == nil {
		return out, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("state field %q: %w", name, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("state field %q: %w", name, err)
	}
	return out, nil
}
