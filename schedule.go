package worldflow

import "maps"

// StepStatus is the scheduling status of a node within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepSuspended StepStatus = "suspended"
	StepFailed    StepStatus = "failed"
)

// tracker holds the scheduling bookkeeping of a run. It is owned by the
// orchestration loop and persisted in every checkpoint.
type tracker struct {
	graph  *Graph
	steps  map[string]StepStatus
	visits map[string]int
	routes map[string]string
}

func newTracker(g *Graph) *tracker {
	t := &tracker{
		graph:  g,
		steps:  make(map[string]StepStatus, len(g.nodes)),
		visits: map[string]int{},
		routes: map[string]string{},
	}
	for _, n := range g.nodes {
		t.steps[n.Name] = StepPending
	}
	return t
}

func restoreTracker(g *Graph, cp *Checkpoint) *tracker {
	t := newTracker(g)
	for name, status := range cp.Steps {
		if _, ok := t.steps[name]; ok {
			t.steps[name] = status
		}
	}
	maps.Copy(t.visits, cp.Visits)
	maps.Copy(t.routes, cp.Routes)
	return t
}

type readiness int

const (
	waiting readiness = iota
	ready
	skip
)

// readiness decides whether a pending node can run. A node is ready when
// every forward predecessor completed and, for routed predecessors, chose it.
// It is skipped when a predecessor was skipped or routed elsewhere.
func (t *tracker) readiness(name string) readiness {
	for _, e := range t.graph.preds[name] {
		switch t.steps[e.from] {
		case StepCompleted:
			if e.conditional && t.routes[e.from] != name {
				return skip
			}
		case StepSkipped:
			return skip
		default:
			return waiting
		}
	}
	return ready
}

// schedule propagates skips and returns the pending nodes that are ready to
// run, in declaration order, along with the nodes newly marked skipped.
func (t *tracker) schedule() (readyNodes, skipped []string) {
	for changed := true; changed; {
		changed = false
		for _, n := range t.graph.nodes {
			if t.steps[n.Name] != StepPending {
				continue
			}
			if t.readiness(n.Name) == skip {
				t.steps[n.Name] = StepSkipped
				skipped = append(skipped, n.Name)
				changed = true
			}
		}
	}
	for _, n := range t.graph.nodes {
		if t.steps[n.Name] == StepPending && t.readiness(n.Name) == ready {
			readyNodes = append(readyNodes, n.Name)
		}
	}
	return readyNodes, skipped
}

// complete records a successful invocation. For routed nodes, route is the
// chosen successor. Taken back edges re-arm their loop, and the re-armed
// nodes are returned.
func (t *tracker) complete(name, route string) []string {
	t.steps[name] = StepCompleted
	t.visits[name]++
	n := t.graph.byName[name]
	if n.conditional() {
		t.routes[name] = route
	}
	var rearmed []string
	for _, e := range t.graph.out[name] {
		if !e.back {
			continue
		}
		if e.conditional && route != e.to {
			continue
		}
		rearmed = append(rearmed, t.rearm(e.to)...)
	}
	return rearmed
}

// rearm returns the loop head and every node downstream of it to pending.
// Nodes still running are left alone.
func (t *tracker) rearm(head string) []string {
	var out []string
	for _, n := range t.graph.nodes {
		if !t.graph.reaches(head, n.Name) || t.steps[n.Name] == StepRunning {
			continue
		}
		t.steps[n.Name] = StepPending
		delete(t.routes, n.Name)
		out = append(out, n.Name)
	}
	return out
}

// active reports whether any node is running.
func (t *tracker) active() bool {
	for _, status := range t.steps {
		if status == StepRunning {
			return true
		}
	}
	return false
}

// finished reports whether every node reached a terminal status.
func (t *tracker) finished() bool {
	for _, status := range t.steps {
		if status != StepCompleted && status != StepSkipped {
			return false
		}
	}
	return true
}

// suspended returns the suspended nodes in declaration order.
func (t *tracker) suspended() []string {
	var out []string
	for _, n := range t.graph.nodes {
		if t.steps[n.Name] == StepSuspended {
			out = append(out, n.Name)
		}
	}
	return out
}

// frontier returns the nodes that must run when the run resumes: suspended
// nodes plus pending nodes that are already ready. It does not modify t.
func (t *tracker) frontier() []string {
	suspended := t.suspended()
	view := &tracker{graph: t.graph, steps: maps.Clone(t.steps), visits: t.visits, routes: t.routes}
	readyNodes, _ := view.schedule()
	var out []string
	for _, n := range t.graph.nodes {
		for _, name := range suspended {
			if name == n.Name {
				out = append(out, name)
			}
		}
		for _, name := range readyNodes {
			if name == n.Name {
				out = append(out, name)
			}
		}
	}
	return out
}

func (t *tracker) snapshot() (map[string]StepStatus, map[string]int, map[string]string) {
	return maps.Clone(t.steps), maps.Clone(t.visits), maps.Clone(t.routes)
}
