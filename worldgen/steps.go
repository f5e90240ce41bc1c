package worldgen

import (
	"strings"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/state"
)

// draftInput is the part of the state the draft step reads.
type draftInput struct {
	Premise string   `json:"premise"`
	Facts   []string `json:"facts"`
	Skipped bool     `json:"clarification_skipped"`
}

func draftStep() worldflow.Step {
	return worldflow.NewTypedStepFunc(StepDraft, func(ctx worldflow.Context, in draftInput) (worldflow.Outcome, error) {
		p := newPrompt(`Draft the foundation of a fictional world: its name, tone, central themes
and a short overview. Honour every known fact.`).
			text("Premise", in.Premise).
			list("Known facts", in.Facts)
		if in.Skipped {
			p.text("Note", "The author skipped further questions; fill the gaps yourself.")
		}
		world, err := generate[World](ctx, "world", p.String())
		if err != nil {
			return worldflow.Outcome{}, err
		}
		ctx.Logger().Info("drafted world", "name", world.Name)
		return worldflow.Update(state.Delta{FieldWorld: world}), nil
	})
}

// lore is implemented by branch outputs that carry free-text notes.
type lore interface {
	LoreNotes() []string
}

// branch generates one independent slice of the world. Branches only see the
// draft, so they may disagree with each other until review reconciles them.
type branch[T lore] struct {
	name        string
	field       string
	instruction string
}

func (b *branch[T]) Name() string {
	return b.name
}

func (b *branch[T]) Execute(ctx worldflow.Context) (worldflow.Outcome, error) {
	st := ctx.State()
	p := newPrompt(b.instruction).
		text("Premise", state.String(st, FieldPremise)).
		list("Known facts", facts(st)).
		fields(st, FieldWorld)
	value, err := generate[T](ctx, b.field, p.String())
	if err != nil {
		return worldflow.Outcome{}, err
	}
	delta := state.Delta{b.field: value}
	if notes := loreEntries(b.field, value.LoreNotes()); len(notes) > 0 {
		delta[FieldLore] = notes
	}
	return worldflow.Update(delta), nil
}

// fix regenerates the branch so that it resolves the given findings.
func (b *branch[T]) fix(ctx worldflow.Context, findings []Finding, constraints []string) (T, error) {
	st := ctx.State()
	issues := make([]string, 0, len(findings))
	for _, f := range findings {
		issues = append(issues, f.Message)
	}
	p := newPrompt(b.instruction+"\nRewrite the current version so that every listed issue is resolved. Keep everything that is not disputed.").
		text("Premise", state.String(st, FieldPremise)).
		fields(st, FieldWorld, b.field).
		list("Issues", issues).
		list("Constraints", constraints)
	return generate[T](ctx, b.field, p.String())
}

var (
	geographyBranch = &branch[Geography]{
		name:        StepGeography,
		field:       FieldGeography,
		instruction: "Describe the geography of the world as a list of named regions with their terrain.",
	}
	culturesBranch = &branch[Cultures]{
		name:        StepCultures,
		field:       FieldCultures,
		instruction: "Describe the main cultures of the world. Give each culture a homeland region.",
	}
	historyBranch = &branch[History]{
		name:        StepHistory,
		field:       FieldHistory,
		instruction: "Describe the key historical events of the world, naming the era and region of each.",
	}
	magicBranch = &branch[Magic]{
		name:        StepMagic,
		field:       FieldMagic,
		instruction: "Describe the magic system of the world: its source, rules and costs.",
	}
)

func assembleStep() worldflow.Step {
	return worldflow.NewStep(StepAssemble, func(ctx worldflow.Context) (worldflow.Outcome, error) {
		p := newPrompt(`Write a summary of the world that weaves its geography, cultures, history
and magic into a single narrative of a few paragraphs.`).
			fields(ctx.State(), FieldWorld, FieldGeography, FieldCultures, FieldHistory, FieldMagic)
		summary, err := generate[Summary](ctx, "summary", p.String())
		if err != nil {
			return worldflow.Outcome{}, err
		}
		return worldflow.Update(state.Delta{FieldSummary: summary.Summary}), nil
	})
}

// regionConstraint lists the defined regions for branches that reference them.
func regionConstraint(st state.Reader) ([]string, error) {
	geo, err := state.Decode[Geography](st, FieldGeography)
	if err != nil {
		return nil, err
	}
	if len(geo.Regions) == 0 {
		return nil, nil
	}
	return []string{"Only reference these regions: " + strings.Join(geo.RegionNames(), ", ")}, nil
}
