package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := NewSchema(
		&Field{Name: "world", Policy: Replace},
		&Field{Name: "facts", Policy: Append},
		&Field{Name: "iteration_count", Policy: Replace, Default: 0, Writers: []string{"refine"}},
	)
	require.NoError(t, err)
	return schema
}

func TestNewSchemaValidation(t *testing.T) {
	t.Run("duplicate field", func(t *testing.T) {
		_, err := NewSchema(&Field{Name: "a", Policy: Replace}, &Field{Name: "a", Policy: Append})
		require.ErrorContains(t, err, "duplicate state field")
	})

	t.Run("missing policy", func(t *testing.T) {
		_, err := NewSchema(&Field{Name: "a"})
		require.ErrorContains(t, err, "merge policy required")
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := NewSchema(&Field{Name: "a", Policy: "sum"})
		require.ErrorContains(t, err, "unknown merge policy")
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := NewSchema(&Field{Policy: Replace})
		require.Error(t, err)
	})
}

func TestNewState(t *testing.T) {
	schema := testSchema(t)

	st, err := schema.New(nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"world":           nil,
		"facts":           []any{},
		"iteration_count": float64(0),
	}, st.Values())

	st, err = schema.New(map[string]any{"facts": []string{"a", "b"}})
	require.NoError(t, err)
	v, _ := st.Get("facts")
	require.Equal(t, []any{"a", "b"}, v)

	_, err = schema.New(map[string]any{"nope": 1})
	require.ErrorIs(t, err, ErrUnknownField)
}

func TestMerge(t *testing.T) {
	t.Run("replace overwrites", func(t *testing.T) {
		st, err := testSchema(t).New(nil)
		require.NoError(t, err)
		require.NoError(t, st.Merge("draft", Delta{"world": map[string]any{"name": "Aster"}}))
		require.NoError(t, st.Merge("draft", Delta{"world": map[string]any{"name": "Brume"}}))
		v, _ := st.Get("world")
		require.Equal(t, map[string]any{"name": "Brume"}, v)
	})

	t.Run("append concatenates lists and single values", func(t *testing.T) {
		st, err := testSchema(t).New(nil)
		require.NoError(t, err)
		require.NoError(t, st.Merge("a", Delta{"facts": []string{"one", "two"}}))
		require.NoError(t, st.Merge("b", Delta{"facts": "three"}))
		require.NoError(t, st.Merge("c", Delta{"facts": []string{"one"}}))
		require.Equal(t, []any{"one", "two", "three", "one"}, List(st.Snapshot(), "facts"))
	})

	t.Run("unknown field rejects whole delta", func(t *testing.T) {
		st, err := testSchema(t).New(nil)
		require.NoError(t, err)
		err = st.Merge("a", Delta{"world": "x", "missing": 1})
		require.ErrorIs(t, err, ErrUnknownField)
		v, _ := st.Get("world")
		require.Nil(t, v)
	})

	t.Run("designated writer", func(t *testing.T) {
		st, err := testSchema(t).New(nil)
		require.NoError(t, err)
		require.ErrorIs(t, st.Merge("review", Delta{"iteration_count": 1}), ErrWriterNotAllowed)
		require.NoError(t, st.Merge("refine", Delta{"iteration_count": 1}))
		require.Equal(t, 1, Int(st.Snapshot(), "iteration_count"))
	})

	t.Run("values are normalized", func(t *testing.T) {
		type region struct {
			Name string `json:"name"`
			Size int    `json:"size"`
		}
		st, err := testSchema(t).New(nil)
		require.NoError(t, err)
		require.NoError(t, st.Merge("draft", Delta{"world": region{Name: "Dune", Size: 3}}))
		v, _ := st.Get("world")
		require.Equal(t, map[string]any{"name": "Dune", "size": float64(3)}, v)
	})

	t.Run("unmarshalable value", func(t *testing.T) {
		st, err := testSchema(t).New(nil)
		require.NoError(t, err)
		require.ErrorIs(t, st.Merge("draft", Delta{"world": make(chan int)}), ErrInvalidValue)
	})
}

func TestMergeOrderIndependence(t *testing.T) {
	schema, err := NewSchema(
		&Field{Name: "geography", Policy: Replace},
		&Field{Name: "cultures", Policy: Replace},
		&Field{Name: "notes", Policy: Append},
	)
	require.NoError(t, err)

	deltas := map[string]Delta{
		"geography": {"geography": "mountains", "notes": []string{"g1"}},
		"cultures":  {"cultures": "nomads", "notes": []string{"c1", "c2"}},
	}

	forward, err := schema.New(nil)
	require.NoError(t, err)
	require.NoError(t, forward.Merge("geography", deltas["geography"]))
	require.NoError(t, forward.Merge("cultures", deltas["cultures"]))

	reverse, err := schema.New(nil)
	require.NoError(t, err)
	require.NoError(t, reverse.Merge("cultures", deltas["cultures"]))
	require.NoError(t, reverse.Merge("geography", deltas["geography"]))

	require.Equal(t, forward.Snapshot()["geography"], reverse.Snapshot()["geography"])
	require.Equal(t, forward.Snapshot()["cultures"], reverse.Snapshot()["cultures"])
	require.ElementsMatch(t, List(forward.Snapshot(), "notes"), List(reverse.Snapshot(), "notes"))
}

func TestSnapshotIsDetached(t *testing.T) {
	st, err := testSchema(t).New(nil)
	require.NoError(t, err)
	require.NoError(t, st.Merge("draft", Delta{"world": map[string]any{"name": "Aster"}}))

	snap := st.Snapshot()
	world := snap["world"].(map[string]any)
	world["name"] = "mutated"

	v, _ := st.Get("world")
	require.Equal(t, "Aster", v.(map[string]any)["name"])

	require.NoError(t, st.Merge("draft", Delta{"world": "later"}))
	require.Equal(t, "mutated", snap["world"].(map[string]any)["name"])
}

func TestDecode(t *testing.T) {
	type world struct {
		Name    string   `json:"name"`
		Regions []string `json:"regions"`
	}
	snap := Snapshot{"world": map[string]any{"name": "Aster", "regions": []any{"north"}}}

	w, err := Decode[world](snap, "world")
	require.NoError(t, err)
	require.Equal(t, world{Name: "Aster", Regions: []string{"north"}}, w)

	missing, err := Decode[*world](snap, "missing")
	require.NoError(t, err)
	require.Nil(t, missing)

	_, err = Decode[int](snap, "world")
	require.Error(t, err)
}
