// Package worldgen is the world-generation pipeline: it gathers facts from
// the author, drafts a world, develops its geography, cultures, history and
// magic concurrently, then reviews and refines the result.
package worldgen

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/worldflow"
)

//go:embed pipeline.yaml
var pipelineYAML string

// Options configures the pipeline
type Options struct {
	// Analyzer decides when enough facts are known. Defaults to LLMAnalyzer.
	Analyzer Analyzer

	// MaxClarifications caps the clarification requests of a run.
	MaxClarifications int

	// CacheAnalysis memoizes clarification analyses of unchanged facts.
	CacheAnalysis bool

	// MaxIterations caps refine passes for runs without a max_iterations
	// param.
	MaxIterations int

	// StepTimeout bounds each generation step. Zero uses the engine default.
	StepTimeout time.Duration

	// Retries re-invokes a step whose generated output failed validation.
	Retries int
}

// Pipeline holds the graph and step bodies of the world generator.
type Pipeline struct {
	Graph *worldflow.Graph
	Steps []worldflow.Step
}

// NewPipeline builds the pipeline graph and its steps.
func NewPipeline(opts Options) (*Pipeline, error) {
	steps := Steps(opts)
	var retry *worldflow.RetryConfig
	if opts.Retries > 0 {
		retry = &worldflow.RetryConfig{
			ErrorEquals: []string{worldflow.ErrorTypeValidation},
			MaxRetries:  opts.Retries,
			BaseDelay:   time.Second,
		}
	}
	node := func(name string, writes []string, next ...string) *worldflow.Node {
		n := &worldflow.Node{Name: name, Writes: writes, Timeout: opts.StepTimeout, Retry: retry}
		for _, step := range next {
			n.Next = append(n.Next, &worldflow.Edge{Step: step})
		}
		return n
	}

	clarify := node(StepClarify, []string{FieldFacts, FieldClarificationSkipped}, StepDraft)
	clarify.Timeout = 0
	clarify.Retry = nil
	magic := node(StepMagic, []string{FieldMagic, FieldLore}, StepAssemble)
	magic.Module = ModuleMagic
	review := node(StepReview, []string{FieldReview}, StepRefine)
	review.Router = routeReview

	g, err := worldflow.NewGraph(worldflow.GraphOptions{
		Name:        "worldgen",
		Description: "Generates a fictional world from a premise",
		Fields:      Fields(),
		Nodes: []*worldflow.Node{
			clarify,
			node(StepDraft, []string{FieldWorld}, StepGeography, StepCultures, StepHistory, StepMagic),
			node(StepGeography, []string{FieldGeography, FieldLore}, StepAssemble),
			node(StepCultures, []string{FieldCultures, FieldLore}, StepAssemble),
			node(StepHistory, []string{FieldHistory, FieldLore}, StepAssemble),
			magic,
			node(StepAssemble, []string{FieldSummary}, StepReview),
			review,
			node(StepRefine, []string{FieldGeography, FieldCultures, FieldHistory, FieldMagic, FieldLore, FieldIterationCount}, StepReview),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline graph: %w", err)
	}
	return &Pipeline{Graph: g, Steps: steps}, nil
}

// Steps returns the step bodies of the pipeline.
func Steps(opts Options) []worldflow.Step {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return []worldflow.Step{
		NewClarifyStep(ClarifyOptions{
			Analyzer:      opts.Analyzer,
			MaxQuestions:  opts.MaxClarifications,
			CacheAnalysis: opts.CacheAnalysis,
		}),
		draftStep(),
		geographyBranch,
		culturesBranch,
		historyBranch,
		magicBranch,
		assembleStep(),
		&reviewStep{maxIterations: opts.MaxIterations},
		refineStep(),
	}
}

// LoadGraph returns the pipeline graph declared in the embedded YAML. It
// routes the review with a script condition instead of a Go router.
func LoadGraph() (*worldflow.Graph, error) {
	return worldflow.LoadGraphString(pipelineYAML)
}

// Engine creates an engine that runs the pipeline. The graph and steps of
// opts are replaced.
func (p *Pipeline) Engine(opts worldflow.EngineOptions) (*worldflow.Engine, error) {
	opts.Graph = p.Graph
	opts.Steps = p.Steps
	return worldflow.NewEngine(opts)
}
