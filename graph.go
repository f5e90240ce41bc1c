package worldflow

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/deepnoodle-ai/worldflow/script"
	"github.com/deepnoodle-ai/worldflow/state"
	"gopkg.in/yaml.v3"
)

const (
	// ClarificationsField is the engine-owned append field that records every
	// accepted resumption input.
	ClarificationsField = "clarifications"

	// EngineWriter is the writer name the engine uses for its own merges.
	EngineWriter = "@engine"
)

// GraphOptions are used to configure a graph.
type GraphOptions struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []*state.Field `json:"fields" yaml:"fields"`
	Nodes       []*Node        `json:"nodes" yaml:"nodes"`

	// Compiler compiles edge conditions. Defaults to Risor.
	Compiler script.Compiler `json:"-" yaml:"-"`
}

type edge struct {
	from        string
	to          string
	conditional bool
	back        bool
	condition   *script.Condition
}

// Graph is a validated, immutable set of nodes and edges over a state schema.
type Graph struct {
	name        string
	description string
	schema      *state.Schema
	nodes       []*Node
	byName      map[string]*Node
	out         map[string][]*edge
	preds       map[string][]*edge
	reach       map[string]map[string]bool
}

// NewGraph validates the options and returns a graph.
func NewGraph(opts GraphOptions) (*Graph, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("graph name required")
	}
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("graph %q: nodes required", opts.Name)
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
	}
	schema, err := buildSchema(opts.Fields)
	if err != nil {
		return nil, fmt.Errorf("graph %q: %w", opts.Name, err)
	}
	g := &Graph{
		name:        opts.Name,
		description: opts.Description,
		schema:      schema,
		nodes:       opts.Nodes,
		byName:      make(map[string]*Node, len(opts.Nodes)),
		out:         map[string][]*edge{},
		preds:       map[string][]*edge{},
	}
	for _, n := range opts.Nodes {
		if n == nil || n.Name == "" {
			return nil, fmt.Errorf("graph %q: node name required", opts.Name)
		}
		if _, exists := g.byName[n.Name]; exists {
			return nil, fmt.Errorf("graph %q: duplicate node %q", opts.Name, n.Name)
		}
		g.byName[n.Name] = n
	}
	if err := g.buildEdges(opts.Compiler); err != nil {
		return nil, fmt.Errorf("graph %q: %w", opts.Name, err)
	}
	if err := g.classifyEdges(); err != nil {
		return nil, fmt.Errorf("graph %q: %w", opts.Name, err)
	}
	g.computeReachability()
	if err := g.checkLoops(); err != nil {
		return nil, fmt.Errorf("graph %q: %w", opts.Name, err)
	}
	if err := g.checkWrites(); err != nil {
		return nil, fmt.Errorf("graph %q: %w", opts.Name, err)
	}
	return g, nil
}

func buildSchema(fields []*state.Field) (*state.Schema, error) {
	fields = slices.Clone(fields)
	idx := slices.IndexFunc(fields, func(f *state.Field) bool { return f != nil && f.Name == ClarificationsField })
	if idx < 0 {
		fields = append(fields, &state.Field{
			Name:        ClarificationsField,
			Policy:      state.Append,
			Writers:     []string{EngineWriter},
			Description: "Answered clarification requests",
		})
	} else if fields[idx].Policy != state.Append {
		return nil, fmt.Errorf("field %q must use the append policy", ClarificationsField)
	}
	return state.NewSchema(fields...)
}

func (g *Graph) buildEdges(compiler script.Compiler) error {
	for _, n := range g.nodes {
		seen := map[string]bool{}
		routed := n.conditional()
		for _, e := range n.Next {
			if e == nil || e.Step == "" {
				return fmt.Errorf("node %q: edge step required", n.Name)
			}
			if _, ok := g.byName[e.Step]; !ok {
				return fmt.Errorf("node %q: edge to step %q not found", n.Name, e.Step)
			}
			if seen[e.Step] {
				return fmt.Errorf("node %q: duplicate edge to %q", n.Name, e.Step)
			}
			seen[e.Step] = true
			if n.Router != nil && e.Condition != "" {
				return fmt.Errorf("node %q: edges of a routed node cannot declare conditions", n.Name)
			}
			ed := &edge{from: n.Name, to: e.Step, conditional: routed && (n.Router != nil || e.Condition != "")}
			if e.Condition != "" {
				cond, err := script.NewCondition(context.Background(), compiler, e.Condition)
				if err != nil {
					return fmt.Errorf("node %q: %w", n.Name, err)
				}
				ed.condition = cond
			}
			g.out[n.Name] = append(g.out[n.Name], ed)
		}
	}
	return nil
}

// classifyEdges marks the edges that close a cycle, using a depth-first walk
// from the entry nodes in declaration order. Remaining edges are forward
// edges and define the dependency order.
func (g *Graph) classifyEdges() error {
	incoming := map[string]int{}
	for _, edges := range g.out {
		for _, e := range edges {
			incoming[e.to]++
		}
	}
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(name string)
	visit = func(name string) {
		color[name] = gray
		for _, e := range g.out[name] {
			switch color[e.to] {
			case gray:
				e.back = true
			case white:
				visit(e.to)
			}
		}
		color[name] = black
	}
	roots := 0
	for _, n := range g.nodes {
		if incoming[n.Name] == 0 {
			roots++
			visit(n.Name)
		}
	}
	if roots == 0 {
		return fmt.Errorf("no entry node: every node has a predecessor")
	}
	for _, n := range g.nodes {
		if color[n.Name] == white {
			return fmt.Errorf("node %q is unreachable from any entry node", n.Name)
		}
	}
	for _, edges := range g.out {
		for _, e := range edges {
			if !e.back {
				g.preds[e.to] = append(g.preds[e.to], e)
			}
		}
	}
	return nil
}

func (g *Graph) computeReachability() {
	g.reach = make(map[string]map[string]bool, len(g.nodes))
	var walk func(start, name string)
	walk = func(start, name string) {
		for _, e := range g.out[name] {
			if e.back || g.reach[start][e.to] {
				continue
			}
			g.reach[start][e.to] = true
			walk(start, e.to)
		}
	}
	for _, n := range g.nodes {
		g.reach[n.Name] = map[string]bool{n.Name: true}
		walk(n.Name, n.Name)
	}
}

// reaches reports whether to is forward-reachable from from. A node reaches
// itself.
func (g *Graph) reaches(from, to string) bool {
	return g.reach[from][to]
}

// loopBody returns the nodes on some forward path from head to tail.
func (g *Graph) loopBody(head, tail string) []string {
	var body []string
	for _, n := range g.nodes {
		if g.reaches(head, n.Name) && g.reaches(n.Name, tail) {
			body = append(body, n.Name)
		}
	}
	return body
}

// checkLoops requires every cycle to pass through a routing decision, so the
// loop can terminate.
func (g *Graph) checkLoops() error {
	for _, n := range g.nodes {
		for _, back := range g.out[n.Name] {
			if !back.back || back.conditional {
				continue
			}
			body := g.loopBody(back.to, back.from)
			guarded := false
			for _, member := range body {
				for _, e := range g.out[member] {
					if e.conditional && !e.back && slices.Contains(body, e.to) {
						guarded = true
					}
				}
			}
			if !guarded {
				return fmt.Errorf("cycle through %q -> %q has no conditional edge", back.from, back.to)
			}
		}
	}
	return nil
}

// checkWrites rejects replace fields declared by two nodes that may run
// concurrently.
func (g *Graph) checkWrites() error {
	for _, n := range g.nodes {
		for _, field := range n.Writes {
			if _, ok := g.schema.Field(field); !ok {
				return fmt.Errorf("node %q writes unknown field %q", n.Name, field)
			}
		}
	}
	for i, a := range g.nodes {
		for _, b := range g.nodes[i+1:] {
			if g.reaches(a.Name, b.Name) || g.reaches(b.Name, a.Name) {
				continue
			}
			for _, field := range a.Writes {
				f, _ := g.schema.Field(field)
				if f.Policy == state.Replace && slices.Contains(b.Writes, field) {
					return fmt.Errorf("nodes %q and %q may run concurrently and both replace %q", a.Name, b.Name, field)
				}
			}
		}
	}
	return nil
}

// Name returns the graph name
func (g *Graph) Name() string {
	return g.name
}

// Description returns the graph description
func (g *Graph) Description() string {
	return g.description
}

// Schema returns the state schema, including engine-owned fields.
func (g *Graph) Schema() *state.Schema {
	return g.schema
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	return slices.Clone(g.nodes)
}

// Node returns a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// NodeNames returns the names of all nodes, sorted.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.byName))
	for name := range g.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Predecessors returns the nodes that must complete before name can run.
func (g *Graph) Predecessors(name string) []string {
	var out []string
	for _, e := range g.preds[name] {
		out = append(out, e.from)
	}
	return out
}

// IsBackEdge reports whether the edge from -> to closes a loop.
func (g *Graph) IsBackEdge(from, to string) bool {
	for _, e := range g.out[from] {
		if e.to == to {
			return e.back
		}
	}
	return false
}

// route evaluates the routing decision of a conditional node. It returns the
// chosen successor, or "" when the branch ends.
func (g *Graph) route(ctx context.Context, n *Node, st state.Reader, cfg *Config) (string, error) {
	if n.Router != nil {
		target, err := n.Router(ctx, st, cfg)
		if err != nil {
			return "", fmt.Errorf("router of %q: %w", n.Name, err)
		}
		if target == "" {
			return "", nil
		}
		if !slices.ContainsFunc(n.Next, func(e *Edge) bool { return e.Step == target }) {
			return "", fmt.Errorf("router of %q chose %q, which is not a successor", n.Name, target)
		}
		return target, nil
	}
	globals := map[string]any{
		"state":  st.Values(),
		"config": cfg.scriptValue(),
	}
	for _, e := range g.out[n.Name] {
		if e.condition == nil {
			continue
		}
		ok, err := e.condition.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("node %q: %w", n.Name, err)
		}
		if ok {
			return e.to, nil
		}
	}
	return "", nil
}

// LoadGraphFile loads a graph from a YAML file
func LoadGraphFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return LoadGraphString(string(data))
}

// LoadGraphString loads a graph from a YAML string
func LoadGraphString(data string) (*Graph, error) {
	var opts GraphOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return NewGraph(opts)
}
