package worldflow

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FieldType tags the kind of answer a question expects.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldChoice      FieldType = "choice"
	FieldMultiChoice FieldType = "multi_choice"
)

// QuestionField is one datum requested from the human.
type QuestionField struct {
	ID       string    `json:"id" yaml:"id"`
	Label    string    `json:"label" yaml:"label"`
	Type     FieldType `json:"type" yaml:"type"`
	Options  []string  `json:"options,omitempty" yaml:"options,omitempty"`
	Default  any       `json:"default,omitempty" yaml:"default,omitempty"`
	Required bool      `json:"required,omitempty" yaml:"required,omitempty"`
}

// SuspensionRequest asks the human for input. The ID is stable for a given
// logical question, so a resumed step can tell whether it was answered.
type SuspensionRequest struct {
	ID            string          `json:"id"`
	Step          string          `json:"step"`
	PromptContext string          `json:"prompt_context,omitempty"`
	Fields        []QuestionField `json:"fields"`
	AllowSkip     bool            `json:"allow_skip"`
}

// ResumptionInput answers a suspension request.
type ResumptionInput struct {
	RequestID string         `json:"request_id"`
	Answers   map[string]any `json:"answers,omitempty"`
	Skipped   bool           `json:"skipped,omitempty"`
}

// Clarification is the record of an answered request. The engine appends one
// to the clarifications state field for every accepted resumption input.
type Clarification struct {
	RequestID  string         `json:"request_id"`
	Step       string         `json:"step"`
	Answers    map[string]any `json:"answers,omitempty"`
	Skipped    bool           `json:"skipped,omitempty"`
	AnsweredAt time.Time      `json:"answered_at"`
}

// NewRequestID derives a deterministic request id from the run, the step and
// a key naming the logical question within the step.
func NewRequestID(runID, step, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(runID+"/"+step+"/"+key)).String()
}

// Validate checks that the request is well formed.
func (r *SuspensionRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("suspension request id required")
	}
	if len(r.Fields) == 0 && !r.AllowSkip {
		return fmt.Errorf("suspension request %s: no fields and skip not allowed", r.ID)
	}
	seen := make(map[string]bool, len(r.Fields))
	for _, f := range r.Fields {
		if f.ID == "" {
			return fmt.Errorf("suspension request %s: field id required", r.ID)
		}
		if seen[f.ID] {
			return fmt.Errorf("suspension request %s: duplicate field %q", r.ID, f.ID)
		}
		seen[f.ID] = true
		switch f.Type {
		case FieldText:
		case FieldChoice, FieldMultiChoice:
			if len(f.Options) == 0 {
				return fmt.Errorf("suspension request %s: field %q has no options", r.ID, f.ID)
			}
		default:
			return fmt.Errorf("suspension request %s: field %q has unknown type %q", r.ID, f.ID, f.Type)
		}
	}
	return nil
}

// Accept validates a resumption input against the request and returns the
// clarification to record. Missing answers take the field default.
func (r *SuspensionRequest) Accept(input ResumptionInput) (*Clarification, error) {
	if input.RequestID != r.ID {
		return nil, protocolError("request id %q does not match pending request %q", input.RequestID, r.ID)
	}
	if input.Skipped {
		if !r.AllowSkip {
			return nil, NewWorkflowError(ErrorTypeValidation, fmt.Sprintf("request %s cannot be skipped", r.ID))
		}
		return &Clarification{RequestID: r.ID, Step: r.Step, Skipped: true, AnsweredAt: time.Now().UTC()}, nil
	}
	answers := make(map[string]any, len(r.Fields))
	var problems []string
	for _, f := range r.Fields {
		value, ok := input.Answers[f.ID]
		if !ok || isBlank(value) {
			if f.Default != nil {
				answers[f.ID] = f.Default
			} else if f.Required {
				problems = append(problems, fmt.Sprintf("%s is required", f.ID))
			}
			continue
		}
		if err := checkAnswer(f, value); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		answers[f.ID] = value
	}
	for id := range input.Answers {
		if !slices.ContainsFunc(r.Fields, func(f QuestionField) bool { return f.ID == id }) {
			problems = append(problems, fmt.Sprintf("%s is not a field of this request", id))
		}
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return nil, &WorkflowError{
			Type:    ErrorTypeValidation,
			Cause:   fmt.Sprintf("invalid answers for request %s: %s", r.ID, strings.Join(problems, "; ")),
			Details: problems,
		}
	}
	return &Clarification{RequestID: r.ID, Step: r.Step, Answers: answers, AnsweredAt: time.Now().UTC()}, nil
}

func checkAnswer(f QuestionField, value any) error {
	switch f.Type {
	case FieldChoice:
		s, ok := value.(string)
		if !ok || !slices.Contains(f.Options, s) {
			return fmt.Errorf("%s must be one of %v", f.ID, f.Options)
		}
	case FieldMultiChoice:
		values, ok := asStrings(value)
		if !ok {
			return fmt.Errorf("%s must be a list of options", f.ID)
		}
		for _, v := range values {
			if !slices.Contains(f.Options, v) {
				return fmt.Errorf("%s: %q is not one of %v", f.ID, v, f.Options)
			}
		}
	default:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%s must be text", f.ID)
		}
	}
	return nil
}

func asStrings(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func isBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	}
	return false
}

func protocolError(format string, args ...any) *WorkflowError {
	return NewWorkflowError(ErrorTypeSuspensionProtocol, fmt.Sprintf(format, args...))
}
