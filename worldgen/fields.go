package worldgen

import (
	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/state"
)

// State fields of the pipeline
const (
	FieldPremise              = "premise"
	FieldFacts                = "facts"
	FieldClarificationSkipped = "clarification_skipped"
	FieldWorld                = "world"
	FieldGeography            = "geography"
	FieldCultures             = "cultures"
	FieldHistory              = "history"
	FieldMagic                = "magic"
	FieldLore                 = "lore"
	FieldSummary              = "summary"
	FieldReview               = "review"
	FieldIterationCount       = "iteration_count"
)

// Step names of the pipeline
const (
	StepClarify   = "clarify"
	StepDraft     = "draft"
	StepGeography = "geography"
	StepCultures  = "cultures"
	StepHistory   = "history"
	StepMagic     = "magic"
	StepAssemble  = "assemble"
	StepReview    = "review"
	StepRefine    = "refine"
)

// ModuleMagic gates the magic branch.
const ModuleMagic = "magic"

// Fields returns the state schema of the pipeline.
func Fields() []*state.Field {
	return []*state.Field{
		{Name: FieldPremise, Policy: state.Replace, Description: "One-line premise supplied by the user"},
		{Name: FieldFacts, Policy: state.Append, Description: "Known facts about the world"},
		{Name: worldflow.ClarificationsField, Policy: state.Append, Writers: []string{worldflow.EngineWriter}},
		{Name: FieldClarificationSkipped, Policy: state.Replace, Writers: []string{StepClarify}},
		{Name: FieldWorld, Policy: state.Replace},
		{Name: FieldGeography, Policy: state.Replace},
		{Name: FieldCultures, Policy: state.Replace},
		{Name: FieldHistory, Policy: state.Replace},
		{Name: FieldMagic, Policy: state.Replace},
		{Name: FieldLore, Policy: state.Append, Description: "Free-text notes from every branch"},
		{Name: FieldSummary, Policy: state.Replace},
		{Name: FieldReview, Policy: state.Replace, Writers: []string{StepReview}},
		{Name: FieldIterationCount, Policy: state.Replace, Default: 0, Writers: []string{StepRefine}},
	}
}
