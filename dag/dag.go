// Package dag models a workflow's execution graph and the combinators
// that compose one: sequences, parallel groups, and chords (a group whose
// collected results feed a callback node).
package dag

import (
	"fmt"
)

// Node is one task invocation in the graph.
type Node struct {
	// Name is unique within the graph and becomes the step name.
	Name string

	// Handler names the registered task that executes this node.
	Handler string

	// Args are the static arguments captured at composition time.
	Args []any

	// Upstream lists the node names this node waits for.
	Upstream []string

	// JoinOf is non-nil for chord callbacks: the ordered member names
	// whose results are delivered to the callback as a vector. An empty
	// non-nil slice means an empty chord; the callback receives an
	// empty vector and runs as soon as its upstream edges allow.
	JoinOf []string
}

// IsJoin reports whether the node receives a result vector.
func (n *Node) IsJoin() bool { return n.JoinOf != nil }

// Graph is a validated, immutable execution graph.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// Nodes returns the nodes in insertion order, which is also the
// deterministic step_order assignment.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.nodes[name])
	}
	return out
}

// Node returns the named node.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.order) }

// Roots returns nodes with no upstream dependencies, in insertion order.
func (g *Graph) Roots() []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if len(n.Upstream) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// validate checks upstream references and rejects cycles using Kahn's
// algorithm: repeatedly remove zero-in-degree nodes; leftovers are a cycle.
func (g *Graph) validate() error {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for name := range g.nodes {
		inDegree[name] = 0
	}
	for name, n := range g.nodes {
		for _, up := range n.Upstream {
			if _, ok := g.nodes[up]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", name, up)
			}
			inDegree[name]++
			dependents[up] = append(dependents[up], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	processed := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[cur] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed != len(g.nodes) {
		return fmt.Errorf("dependency cycle detected involving %d node(s)", len(g.nodes)-processed)
	}
	return nil
}

// Runtime tracks readiness over a Graph as nodes finish. It mirrors the
// graph's edges into in-degree counts so the scheduler can ask which nodes
// became runnable after each completion.
type Runtime struct {
	graph      *Graph
	inDegree   map[string]int
	dependents map[string][]string
	done       map[string]bool
}

// NewRuntime builds a runtime view of g with nothing completed.
func NewRuntime(g *Graph) *Runtime {
	r := &Runtime{
		graph:      g,
		inDegree:   make(map[string]int, g.Len()),
		dependents: make(map[string][]string, g.Len()),
		done:       make(map[string]bool, g.Len()),
	}
	for _, n := range g.Nodes() {
		r.inDegree[n.Name] = len(n.Upstream)
		for _, up := range n.Upstream {
			r.dependents[up] = append(r.dependents[up], n.Name)
		}
	}
	return r
}

// Ready returns the names of nodes whose dependencies are all satisfied
// and which have not themselves finished, in graph insertion order.
func (r *Runtime) Ready() []string {
	var out []string
	for _, name := range r.graph.order {
		if !r.done[name] && r.inDegree[name] == 0 {
			out = append(out, name)
		}
	}
	return out
}

// MarkDone records name as finished and returns the nodes that this
// completion made ready, in graph insertion order.
func (r *Runtime) MarkDone(name string) []string {
	if r.done[name] {
		return nil
	}
	r.done[name] = true
	newly := make(map[string]bool)
	for _, dep := range r.dependents[name] {
		r.inDegree[dep]--
		if r.inDegree[dep] == 0 && !r.done[dep] {
			newly[dep] = true
		}
	}
	var out []string
	for _, n := range r.graph.order {
		if newly[n] {
			out = append(out, n)
		}
	}
	return out
}

// IsDone reports whether every node has finished.
func (r *Runtime) IsDone() bool {
	return len(r.done) == r.graph.Len()
}
