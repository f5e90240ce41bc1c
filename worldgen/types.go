package worldgen

import "strings"

// World is the base draft every branch builds on.
type World struct {
	Name     string   `json:"name" validate:"required"`
	Tone     string   `json:"tone" validate:"required"`
	Themes   []string `json:"themes"`
	Overview string   `json:"overview" validate:"required"`
}

type Region struct {
	Name        string `json:"name" validate:"required"`
	Terrain     string `json:"terrain"`
	Description string `json:"description"`
}

type Geography struct {
	Regions []Region `json:"regions" validate:"required,min=1,dive"`
	Notes   []string `json:"notes"`
}

func (g Geography) LoreNotes() []string { return g.Notes }

// RegionNames returns the names of all defined regions.
func (g Geography) RegionNames() []string {
	names := make([]string, 0, len(g.Regions))
	for _, r := range g.Regions {
		names = append(names, r.Name)
	}
	return names
}

type Culture struct {
	Name        string   `json:"name" validate:"required"`
	Homeland    string   `json:"homeland" validate:"required"`
	Values      []string `json:"values"`
	Description string   `json:"description"`
}

type Cultures struct {
	Cultures []Culture `json:"cultures" validate:"required,min=1,dive"`
	Notes    []string  `json:"notes"`
}

func (c Cultures) LoreNotes() []string { return c.Notes }

type Event struct {
	Name        string `json:"name" validate:"required"`
	Era         string `json:"era"`
	Region      string `json:"region"`
	Description string `json:"description"`
}

type History struct {
	Events []Event  `json:"events" validate:"required,min=1,dive"`
	Notes  []string `json:"notes"`
}

func (h History) LoreNotes() []string { return h.Notes }

type Magic struct {
	Source string   `json:"source" validate:"required"`
	Rules  []string `json:"rules" validate:"required,min=1"`
	Costs  []string `json:"costs"`
	Notes  []string `json:"notes"`
}

func (m Magic) LoreNotes() []string { return m.Notes }

type Summary struct {
	Summary string `json:"summary" validate:"required"`
}

// Severity grades a review finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMinor    Severity = "minor"
)

// Finding is one consistency problem between branches.
type Finding struct {
	Severity Severity `json:"severity" validate:"required,oneof=critical minor"`
	Field    string   `json:"field" validate:"required,oneof=geography cultures history magic"`
	Message  string   `json:"message" validate:"required"`
	Source   string   `json:"source"`
}

type findingList struct {
	Findings []Finding `json:"findings" validate:"dive"`
}

// Review decisions for critical findings
const (
	DecisionAutoFix = "auto_fix"
	DecisionAccept  = "accept"
)

// Review is the verdict of one review pass.
type Review struct {
	Pass          int       `json:"pass"`
	Findings      []Finding `json:"findings"`
	Critical      bool      `json:"critical"`
	Decision      string    `json:"decision"`
	MaxIterations int       `json:"max_iterations"`
}

// Disputed returns the critical findings grouped by field.
func (r Review) Disputed() map[string][]Finding {
	out := map[string][]Finding{}
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			out[f.Field] = append(out[f.Field], f)
		}
	}
	return out
}

// ShouldRefine reports whether another refine pass runs after this review.
func (r Review) ShouldRefine(iteration int) bool {
	return r.Critical && r.Decision != DecisionAccept && iteration < r.MaxIterations
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
