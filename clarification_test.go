package worldflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testRequest() *SuspensionRequest {
	return &SuspensionRequest{
		ID:        NewRequestID("run", "clarify", "facts"),
		Step:      "clarify",
		AllowSkip: true,
		Fields: []QuestionField{
			{ID: "era", Label: "Era", Type: FieldChoice, Options: []string{"ancient", "modern"}, Required: true},
			{ID: "themes", Label: "Themes", Type: FieldMultiChoice, Options: []string{"war", "trade", "faith"}},
			{ID: "notes", Label: "Notes", Type: FieldText, Default: "none"},
		},
	}
}

func TestNewRequestIDIsStable(t *testing.T) {
	require.Equal(t, NewRequestID("r", "s", "k"), NewRequestID("r", "s", "k"))
	require.NotEqual(t, NewRequestID("r", "s", "k"), NewRequestID("r", "s", "other"))
	require.NotEqual(t, NewRequestID("r", "s", "k"), NewRequestID("r2", "s", "k"))
}

func TestSuspensionRequestValidate(t *testing.T) {
	require.NoError(t, testRequest().Validate())

	tests := []struct {
		name string
		req  SuspensionRequest
		err  string
	}{
		{"missing id", SuspensionRequest{AllowSkip: true}, "id required"},
		{"nothing to answer", SuspensionRequest{ID: "x"}, "no fields and skip not allowed"},
		{"choice without options", SuspensionRequest{ID: "x", Fields: []QuestionField{{ID: "a", Type: FieldChoice}}}, "has no options"},
		{"duplicate field", SuspensionRequest{ID: "x", Fields: []QuestionField{{ID: "a", Type: FieldText}, {ID: "a", Type: FieldText}}}, "duplicate field"},
		{"unknown type", SuspensionRequest{ID: "x", Fields: []QuestionField{{ID: "a", Type: "date"}}}, "unknown type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorContains(t, tt.req.Validate(), tt.err)
		})
	}
}

func TestSuspensionRequestAccept(t *testing.T) {
	req := testRequest()

	t.Run("answers with defaults", func(t *testing.T) {
		c, err := req.Accept(ResumptionInput{
			RequestID: req.ID,
			Answers:   map[string]any{"era": "ancient", "themes": []any{"war", "faith"}},
		})
		require.NoError(t, err)
		require.Equal(t, "clarify", c.Step)
		require.False(t, c.Skipped)
		require.Equal(t, map[string]any{"era": "ancient", "themes": []any{"war", "faith"}, "notes": "none"}, c.Answers)
	})

	t.Run("skip", func(t *testing.T) {
		c, err := req.Accept(ResumptionInput{RequestID: req.ID, Skipped: true})
		require.NoError(t, err)
		require.True(t, c.Skipped)
		require.Empty(t, c.Answers)

		noSkip := testRequest()
		noSkip.AllowSkip = false
		_, err = noSkip.Accept(ResumptionInput{RequestID: req.ID, Skipped: true})
		require.Equal(t, ErrorTypeValidation, ErrorType(err))
	})

	t.Run("mismatched id", func(t *testing.T) {
		_, err := req.Accept(ResumptionInput{RequestID: "other"})
		require.Equal(t, ErrorTypeSuspensionProtocol, ErrorType(err))
	})

	t.Run("invalid answers", func(t *testing.T) {
		_, err := req.Accept(ResumptionInput{
			RequestID: req.ID,
			Answers:   map[string]any{"themes": []any{"magic"}, "color": "red"},
		})
		require.Error(t, err)
		require.Equal(t, ErrorTypeValidation, ErrorType(err))
		require.ErrorContains(t, err, "era is required")
		require.ErrorContains(t, err, `"magic" is not one of`)
		require.ErrorContains(t, err, "color is not a field of this request")
	})
}
