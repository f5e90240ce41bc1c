package worldgen

import (
	"context"
	"fmt"
	"slices"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/state"
)

// DefaultMaxIterations caps refine passes when the run sets no
// max_iterations param.
const DefaultMaxIterations = 2

// ParamMaxIterations is the run param that caps refine passes.
const ParamMaxIterations = "max_iterations"

// CrossReference checks that the branches only name regions the geography
// defines. It needs no generator, so its findings are deterministic.
func CrossReference(st state.Reader) ([]Finding, error) {
	geo, err := state.Decode[Geography](st, FieldGeography)
	if err != nil {
		return nil, err
	}
	if len(geo.Regions) == 0 {
		return nil, nil
	}
	regions := map[string]bool{}
	for _, r := range geo.Regions {
		regions[normalizeName(r.Name)] = true
	}

	var findings []Finding
	cultures, err := state.Decode[Cultures](st, FieldCultures)
	if err != nil {
		return nil, err
	}
	for _, c := range cultures.Cultures {
		if !regions[normalizeName(c.Homeland)] {
			findings = append(findings, Finding{
				Severity: SeverityCritical,
				Field:    FieldCultures,
				Message:  fmt.Sprintf("culture %q has homeland %q, which is not a defined region", c.Name, c.Homeland),
				Source:   "check",
			})
		}
	}
	history, err := state.Decode[History](st, FieldHistory)
	if err != nil {
		return nil, err
	}
	for _, e := range history.Events {
		if e.Region != "" && !regions[normalizeName(e.Region)] {
			findings = append(findings, Finding{
				Severity: SeverityCritical,
				Field:    FieldHistory,
				Message:  fmt.Sprintf("event %q takes place in %q, which is not a defined region", e.Name, e.Region),
				Source:   "check",
			})
		}
	}
	return findings, nil
}

func maxIterations(cfg *worldflow.Config, fallback int) int {
	v, ok := cfg.Param(ParamMaxIterations)
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}

type reviewStep struct {
	maxIterations int
}

func (s *reviewStep) Name() string {
	return StepReview
}

// Execute checks the assembled world. Only the first pass may ask the human
// how to handle critical findings; later passes reuse that decision.
func (s *reviewStep) Execute(ctx worldflow.Context) (worldflow.Outcome, error) {
	st := ctx.State()
	iteration := state.Int(st, FieldIterationCount)

	findings, err := CrossReference(st)
	if err != nil {
		return worldflow.Outcome{}, err
	}
	p := newPrompt(`Review the world below for contradictions between its parts. Report each
problem with the field it belongs to. Use severity "critical" for
contradictions and "minor" for stylistic issues.`).
		fields(st, FieldWorld, FieldGeography, FieldCultures, FieldHistory, FieldMagic)
	generated, err := generate[findingList](ctx, "review_findings", p.String())
	if err != nil {
		return worldflow.Outcome{}, err
	}
	for _, f := range generated.Findings {
		f.Source = "generator"
		findings = append(findings, f)
	}

	review := Review{
		Pass:          iteration + 1,
		Findings:      findings,
		Critical:      slices.ContainsFunc(findings, func(f Finding) bool { return f.Severity == SeverityCritical }),
		MaxIterations: maxIterations(ctx.Config(), s.maxIterations),
	}
	if review.Critical {
		if iteration == 0 {
			id := worldflow.NewRequestID(ctx.RunID(), StepReview, "decision")
			answer, ok := ctx.Answer(id)
			if !ok {
				return worldflow.Suspend(decisionRequest(id, findings)), nil
			}
			review.Decision = DecisionAutoFix
			if d, _ := answer.Answers["decision"].(string); !answer.Skipped && d != "" {
				review.Decision = d
			}
		} else {
			previous, err := state.Decode[Review](st, FieldReview)
			if err != nil {
				return worldflow.Outcome{}, err
			}
			review.Decision = previous.Decision
		}
	}
	ctx.Logger().Info("review finished",
		"pass", review.Pass,
		"findings", len(findings),
		"critical", review.Critical,
		"decision", review.Decision)
	return worldflow.Update(state.Delta{FieldReview: review}), nil
}

func decisionRequest(id string, findings []Finding) *worldflow.SuspensionRequest {
	var critical int
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			critical++
		}
	}
	return &worldflow.SuspensionRequest{
		ID:            id,
		PromptContext: fmt.Sprintf("Review found %d critical issue(s). Fix them automatically or accept the world as it is?", critical),
		AllowSkip:     true,
		Fields: []worldflow.QuestionField{{
			ID:      "decision",
			Label:   "How should critical issues be handled?",
			Type:    worldflow.FieldChoice,
			Options: []string{DecisionAutoFix, DecisionAccept},
			Default: DecisionAutoFix,
		}},
	}
}

// routeReview sends the run to refine while critical findings remain and
// passes are left.
func routeReview(ctx context.Context, st state.Reader, cfg *worldflow.Config) (string, error) {
	review, err := state.Decode[Review](st, FieldReview)
	if err != nil {
		return "", err
	}
	if review.ShouldRefine(state.Int(st, FieldIterationCount)) {
		return StepRefine, nil
	}
	return "", nil
}

// refineStep regenerates the branches with critical findings. It is the only
// writer of the iteration count.
func refineStep() worldflow.Step {
	return worldflow.NewStep(StepRefine, func(ctx worldflow.Context) (worldflow.Outcome, error) {
		st := ctx.State()
		review, err := state.Decode[Review](st, FieldReview)
		if err != nil {
			return worldflow.Outcome{}, err
		}
		constraints, err := regionConstraint(st)
		if err != nil {
			return worldflow.Outcome{}, err
		}
		disputed := review.Disputed()
		delta := state.Delta{FieldIterationCount: state.Int(st, FieldIterationCount) + 1}
		var notes []any

		if findings := disputed[FieldGeography]; len(findings) > 0 {
			value, err := geographyBranch.fix(ctx, findings, nil)
			if err != nil {
				return worldflow.Outcome{}, err
			}
			delta[FieldGeography] = value
			notes = append(notes, loreEntries(FieldGeography, value.Notes)...)
		}
		if findings := disputed[FieldCultures]; len(findings) > 0 {
			value, err := culturesBranch.fix(ctx, findings, constraints)
			if err != nil {
				return worldflow.Outcome{}, err
			}
			delta[FieldCultures] = value
			notes = append(notes, loreEntries(FieldCultures, value.Notes)...)
		}
		if findings := disputed[FieldHistory]; len(findings) > 0 {
			value, err := historyBranch.fix(ctx, findings, constraints)
			if err != nil {
				return worldflow.Outcome{}, err
			}
			delta[FieldHistory] = value
			notes = append(notes, loreEntries(FieldHistory, value.Notes)...)
		}
		if findings := disputed[FieldMagic]; len(findings) > 0 && ctx.Config().ModuleEnabled(ModuleMagic) {
			value, err := magicBranch.fix(ctx, findings, nil)
			if err != nil {
				return worldflow.Outcome{}, err
			}
			delta[FieldMagic] = value
			notes = append(notes, loreEntries(FieldMagic, value.Notes)...)
		}
		if len(notes) > 0 {
			delta[FieldLore] = notes
		}
		ctx.Logger().Info("refined world", "iteration", delta[FieldIterationCount], "fields", len(delta)-1)
		return worldflow.Update(delta), nil
	})
}
