package dag

import (
	"fmt"
)

// Registry answers whether a handler name is registered. The task
// registry satisfies this; builds fail fast on unknown handlers instead
// of at dispatch time.
type Registry interface {
	Known(handler string) bool
}

// Element is a composable fragment of a graph. A nil Element is elided,
// which is how optional nodes drop out of a composition.
type Element interface {
	build(b *builder) (heads, tails []string, err error)
}

type builder struct {
	graph *Graph
	reg   Registry
}

// Build assembles the root element into a validated Graph.
func Build(root Element, reg Registry) (*Graph, error) {
	if root == nil {
		return nil, fmt.Errorf("empty composition")
	}
	b := &builder{
		graph: &Graph{nodes: make(map[string]*Node)},
		reg:   reg,
	}
	if _, _, err := root.build(b); err != nil {
		return nil, err
	}
	if b.graph.Len() == 0 {
		return nil, fmt.Errorf("composition produced no nodes")
	}
	if err := b.graph.validate(); err != nil {
		return nil, err
	}
	return b.graph, nil
}

func (b *builder) add(n *Node) error {
	if n.Name == "" {
		return fmt.Errorf("node with empty name")
	}
	if _, exists := b.graph.nodes[n.Name]; exists {
		return fmt.Errorf("duplicate node name %q", n.Name)
	}
	if b.reg != nil && !b.reg.Known(n.Handler) {
		return fmt.Errorf("node %q references unregistered handler %q", n.Name, n.Handler)
	}
	b.graph.nodes[n.Name] = n
	b.graph.order = append(b.graph.order, n.Name)
	return nil
}

func (b *builder) connect(tails, heads []string) {
	for _, h := range heads {
		b.graph.nodes[h].Upstream = append(b.graph.nodes[h].Upstream, tails...)
	}
}

type taskElem struct {
	name    string
	handler string
	args    []any
}

func (t taskElem) build(b *builder) ([]string, []string, error) {
	n := &Node{Name: t.name, Handler: t.handler, Args: t.args}
	if err := b.add(n); err != nil {
		return nil, nil, err
	}
	return []string{t.name}, []string{t.name}, nil
}

// Task creates a node whose name is its handler name.
func Task(handler string, args ...any) Element {
	return taskElem{name: handler, handler: handler, args: args}
}

// NamedTask creates a node with an explicit name, for graphs that invoke
// the same handler more than once.
func NamedTask(name, handler string, args ...any) Element {
	return taskElem{name: name, handler: handler, args: args}
}

// Optional returns e when include is true and nil otherwise, so an elided
// node's neighbors connect directly to each other.
func Optional(include bool, e Element) Element {
	if !include {
		return nil
	}
	return e
}

type seqElem struct{ elems []Element }

func (s seqElem) build(b *builder) ([]string, []string, error) {
	var heads, prevTails []string
	for _, e := range s.elems {
		if e == nil {
			continue
		}
		h, t, err := e.build(b)
		if err != nil {
			return nil, nil, err
		}
		if heads == nil {
			heads = h
		} else {
			b.connect(prevTails, h)
		}
		prevTails = t
	}
	if heads == nil {
		return nil, nil, fmt.Errorf("sequence with no nodes")
	}
	return heads, prevTails, nil
}

// Sequence runs elements one after another. Nil elements are skipped.
func Sequence(elems ...Element) Element {
	return seqElem{elems: elems}
}

type groupElem struct{ elems []Element }

func (g groupElem) build(b *builder) ([]string, []string, error) {
	var heads, tails []string
	for _, e := range g.elems {
		if e == nil {
			continue
		}
		h, t, err := e.build(b)
		if err != nil {
			return nil, nil, err
		}
		heads = append(heads, h...)
		tails = append(tails, t...)
	}
	if len(heads) == 0 {
		return nil, nil, fmt.Errorf("group with no nodes")
	}
	return heads, tails, nil
}

// Group runs elements in parallel. A single-member group behaves like the
// member alone. Nil elements are skipped.
func Group(elems ...Element) Element {
	return groupElem{elems: elems}
}

type chordElem struct {
	members  []Element
	callback taskElem
}

func (c chordElem) build(b *builder) ([]string, []string, error) {
	live := make([]Element, 0, len(c.members))
	for _, m := range c.members {
		if m != nil {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		// Empty chord: the callback runs immediately with an empty
		// result vector.
		h, t, err := c.callback.build(b)
		if err != nil {
			return nil, nil, err
		}
		b.graph.nodes[c.callback.name].JoinOf = []string{}
		return h, t, nil
	}

	gh, gt, err := groupElem{elems: live}.build(b)
	if err != nil {
		return nil, nil, err
	}
	if _, _, err := c.callback.build(b); err != nil {
		return nil, nil, err
	}
	cb := b.graph.nodes[c.callback.name]
	cb.Upstream = append(cb.Upstream, gt...)
	cb.JoinOf = append([]string{}, gt...)
	return gh, []string{cb.Name}, nil
}

// Chord runs the member elements in parallel, then invokes callback with
// the members' results collected in declaration order. Callback must be a
// Task or NamedTask.
func Chord(callback Element, members ...Element) Element {
	cb, ok := callback.(taskElem)
	if !ok {
		// Surface the misuse at build time via an always-failing elem.
		return errElem{fmt.Errorf("chord callback must be a task")}
	}
	return chordElem{members: members, callback: cb}
}

type errElem struct{ err error }

func (e errElem) build(*builder) ([]string, []string, error) { return nil, nil, e.err }
