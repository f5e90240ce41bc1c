package worldgen

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/state"
)

// DefaultMaxClarifications caps the questions a clarify step asks per run.
const DefaultMaxClarifications = 5

// Question is a question proposed by an Analyzer.
type Question struct {
	ID      string   `json:"id" validate:"required"`
	Label   string   `json:"label" validate:"required"`
	Type    string   `json:"type" validate:"required,oneof=text choice multi_choice"`
	Options []string `json:"options"`
}

// Analysis decides whether the known facts are enough to draft a world.
type Analysis struct {
	Sufficient bool       `json:"sufficient"`
	Reason     string     `json:"reason"`
	Questions  []Question `json:"questions" validate:"dive"`
}

// Analyzer inspects the premise and facts gathered so far.
type Analyzer interface {
	Analyze(ctx worldflow.Context, premise string, facts []string) (*Analysis, error)
}

// FactCountAnalyzer asks for one more fact at a time until MinFacts are
// known.
type FactCountAnalyzer struct {
	MinFacts int
}

func (a *FactCountAnalyzer) Analyze(ctx worldflow.Context, premise string, facts []string) (*Analysis, error) {
	if len(facts) >= a.MinFacts {
		return &Analysis{Sufficient: true, Reason: fmt.Sprintf("%d facts known", len(facts))}, nil
	}
	next := len(facts) + 1
	return &Analysis{
		Reason: fmt.Sprintf("%d of %d facts known", len(facts), a.MinFacts),
		Questions: []Question{{
			ID:    fmt.Sprintf("f%d", next),
			Label: fmt.Sprintf("Describe fact #%d about the world", next),
			Type:  string(worldflow.FieldText),
		}},
	}, nil
}

// LLMAnalyzer asks the generation engine what is missing.
type LLMAnalyzer struct{}

func (a *LLMAnalyzer) Analyze(ctx worldflow.Context, premise string, facts []string) (*Analysis, error) {
	p := newPrompt(`Decide whether the premise and facts below are enough to design a
world with its geography, cultures, history and magic. If they are not,
propose at most three short questions that would resolve the biggest gaps.`).
		text("Premise", premise).
		list("Known facts", facts)
	analysis, err := generate[Analysis](ctx, "clarification_analysis", p.String())
	if err != nil {
		return nil, err
	}
	if !analysis.Sufficient && len(analysis.Questions) == 0 {
		return nil, &generation.ValidationError{
			Schema: "clarification_analysis",
			Err:    errors.New("insufficient analysis without questions"),
		}
	}
	return &analysis, nil
}

// ClarifyOptions configures a clarify step
type ClarifyOptions struct {
	Name     string
	Analyzer Analyzer

	// MaxQuestions caps how many requests the step raises in one run.
	MaxQuestions int

	// CacheAnalysis memoizes analyses per run and fact set, so resuming
	// a run does not repeat an analysis of unchanged facts.
	CacheAnalysis bool
}

// ClarifyStep gathers facts from the human until its analyzer is satisfied.
// Each invocation replays the answers recorded in state: facts derived from
// this step's answered requests are added to the facts field, and the number
// of answered requests is the index of the next question. A skipped request
// ends the questioning.
type ClarifyStep struct {
	name         string
	analyzer     Analyzer
	maxQuestions int
	cache        bool

	mutex    sync.Mutex
	analyses map[string]*Analysis
}

// NewClarifyStep creates a clarify step
func NewClarifyStep(opts ClarifyOptions) *ClarifyStep {
	if opts.Name == "" {
		opts.Name = StepClarify
	}
	if opts.Analyzer == nil {
		opts.Analyzer = &LLMAnalyzer{}
	}
	if opts.MaxQuestions <= 0 {
		opts.MaxQuestions = DefaultMaxClarifications
	}
	return &ClarifyStep{
		name:         opts.Name,
		analyzer:     opts.Analyzer,
		maxQuestions: opts.MaxQuestions,
		cache:        opts.CacheAnalysis,
		analyses:     map[string]*Analysis{},
	}
}

func (s *ClarifyStep) Name() string {
	return s.name
}

func (s *ClarifyStep) Execute(ctx worldflow.Context) (worldflow.Outcome, error) {
	answered := ctx.Clarifications()
	var derived []string
	for _, c := range answered {
		if c.Skipped {
			ctx.Logger().Info("clarification skipped", "request_id", c.RequestID)
			return s.complete(derived, true), nil
		}
		derived = append(derived, answerFacts(c)...)
	}
	round := len(answered)

	premise := state.String(ctx.State(), FieldPremise)
	known := append(facts(ctx.State()), derived...)
	analysis, err := s.analyze(ctx, premise, known)
	if err != nil {
		return worldflow.Outcome{}, err
	}
	if analysis.Sufficient {
		return s.complete(derived, false), nil
	}
	if round >= s.maxQuestions {
		return worldflow.Outcome{}, worldflow.IterationCapError(s.name, s.maxQuestions)
	}

	req := &worldflow.SuspensionRequest{
		ID:            worldflow.NewRequestID(ctx.RunID(), s.name, fmt.Sprintf("round-%d", round)),
		PromptContext: analysis.Reason,
		AllowSkip:     true,
	}
	for _, q := range analysis.Questions {
		field := worldflow.QuestionField{
			ID:       q.ID,
			Label:    q.Label,
			Type:     worldflow.FieldType(q.Type),
			Options:  q.Options,
			Required: true,
		}
		if len(field.Options) == 0 {
			field.Type = worldflow.FieldText
		}
		req.Fields = append(req.Fields, field)
	}
	return worldflow.Suspend(req), nil
}

func (s *ClarifyStep) complete(derived []string, skipped bool) worldflow.Outcome {
	delta := state.Delta{FieldClarificationSkipped: skipped}
	if len(derived) > 0 {
		entries := make([]any, 0, len(derived))
		for _, f := range derived {
			entries = append(entries, f)
		}
		delta[FieldFacts] = entries
	}
	return worldflow.Update(delta)
}

func (s *ClarifyStep) analyze(ctx worldflow.Context, premise string, known []string) (*Analysis, error) {
	if !s.cache {
		return s.analyzer.Analyze(ctx, premise, known)
	}
	key := analysisKey(ctx.RunID(), premise, known)
	s.mutex.Lock()
	cached, ok := s.analyses[key]
	s.mutex.Unlock()
	if ok {
		ctx.Logger().Debug("reusing cached analysis", "facts", len(known))
		return cached, nil
	}
	analysis, err := s.analyzer.Analyze(ctx, premise, known)
	if err != nil {
		return nil, err
	}
	s.mutex.Lock()
	s.analyses[key] = analysis
	s.mutex.Unlock()
	return analysis, nil
}

func analysisKey(runID, premise string, known []string) string {
	h := sha256.New()
	h.Write([]byte(premise))
	for _, f := range known {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return runID + "/" + hex.EncodeToString(h.Sum(nil))
}

// answerFacts turns the answers of a clarification into facts, ordered by
// field id.
func answerFacts(c worldflow.Clarification) []string {
	ids := make([]string, 0, len(c.Answers))
	for id := range c.Answers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var out []string
	for _, id := range ids {
		var fact string
		switch v := c.Answers[id].(type) {
		case string:
			fact = v
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			fact = strings.Join(parts, ", ")
		case nil:
		default:
			fact = fmt.Sprint(v)
		}
		if fact = strings.TrimSpace(fact); fact != "" {
			out = append(out, fact)
		}
	}
	return out
}
