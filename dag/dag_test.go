package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry map[string]bool

func (f fakeRegistry) Known(h string) bool { return f[h] }

func allKnown(names ...string) fakeRegistry {
	f := make(fakeRegistry, len(names))
	for _, n := range names {
		f[n] = true
	}
	return f
}

func TestSequenceBuild(t *testing.T) {
	g, err := Build(Sequence(
		Task("a"),
		Task("b"),
		Task("c"),
	), allKnown("a", "b", "c"))
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())

	b, _ := g.Node("b")
	assert.Equal(t, []string{"a"}, b.Upstream)
	c, _ := g.Node("c")
	assert.Equal(t, []string{"b"}, c.Upstream)
	assert.Len(t, g.Roots(), 1)
}

func TestOptionalElision(t *testing.T) {
	g, err := Build(Sequence(
		Task("a"),
		Optional(false, Task("skipme")),
		Task("c"),
	), allKnown("a", "skipme", "c"))
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())

	c, _ := g.Node("c")
	assert.Equal(t, []string{"a"}, c.Upstream, "neighbors of an elided node connect directly")
}

func TestChordBuild(t *testing.T) {
	g, err := Build(Sequence(
		Task("head"),
		Chord(Task("cb"), Task("m1"), Task("m2")),
	), allKnown("head", "m1", "m2", "cb"))
	require.NoError(t, err)

	m1, _ := g.Node("m1")
	m2, _ := g.Node("m2")
	assert.Equal(t, []string{"head"}, m1.Upstream)
	assert.Equal(t, []string{"head"}, m2.Upstream)

	cb, _ := g.Node("cb")
	assert.ElementsMatch(t, []string{"m1", "m2"}, cb.Upstream)
	assert.Equal(t, []string{"m1", "m2"}, cb.JoinOf, "member order preserved")
	assert.True(t, cb.IsJoin())
}

func TestEmptyChordRunsCallbackImmediately(t *testing.T) {
	g, err := Build(Sequence(
		Task("head"),
		Chord(Task("cb")),
	), allKnown("head", "cb"))
	require.NoError(t, err)

	cb, _ := g.Node("cb")
	assert.Equal(t, []string{"head"}, cb.Upstream)
	require.NotNil(t, cb.JoinOf)
	assert.Empty(t, cb.JoinOf)
}

func TestSingleMemberGroupEqualsSequence(t *testing.T) {
	g, err := Build(Sequence(
		Task("a"),
		Group(Task("only")),
		Task("z"),
	), allKnown("a", "only", "z"))
	require.NoError(t, err)

	only, _ := g.Node("only")
	z, _ := g.Node("z")
	assert.Equal(t, []string{"a"}, only.Upstream)
	assert.Equal(t, []string{"only"}, z.Upstream)
}

func TestUnknownHandlerRejected(t *testing.T) {
	_, err := Build(Task("nope"), allKnown("yes"))
	assert.ErrorContains(t, err, "unregistered handler")
}

func TestDuplicateNameRejected(t *testing.T) {
	_, err := Build(Sequence(Task("a"), Task("a")), allKnown("a"))
	assert.ErrorContains(t, err, "duplicate node name")
}

func TestNamedTaskAllowsReuse(t *testing.T) {
	g, err := Build(Group(
		NamedTask("regen_1", "regen", "f1.md"),
		NamedTask("regen_2", "regen", "f2.md"),
	), allKnown("regen"))
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())

	n, _ := g.Node("regen_1")
	assert.Equal(t, "regen", n.Handler)
	assert.Equal(t, []any{"f1.md"}, n.Args)
}

func TestRuntimeReadiness(t *testing.T) {
	g, err := Build(Sequence(
		Task("a"),
		Group(Task("b"), Task("c")),
		Task("d"),
	), allKnown("a", "b", "c", "d"))
	require.NoError(t, err)

	r := NewRuntime(g)
	assert.Equal(t, []string{"a"}, r.Ready())

	newly := r.MarkDone("a")
	assert.Equal(t, []string{"b", "c"}, newly)

	assert.Empty(t, r.MarkDone("b"), "d waits for both group members")
	assert.Equal(t, []string{"d"}, r.MarkDone("c"))

	r.MarkDone("d")
	assert.True(t, r.IsDone())
}

func TestRuntimeMarkDoneIdempotent(t *testing.T) {
	g, err := Build(Sequence(Task("a"), Task("b")), allKnown("a", "b"))
	require.NoError(t, err)

	r := NewRuntime(g)
	first := r.MarkDone("a")
	assert.Equal(t, []string{"b"}, first)
	assert.Empty(t, r.MarkDone("a"), "redelivered completion must not double-release")
}
