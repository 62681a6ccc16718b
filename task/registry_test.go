package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/backoff"
)

func noop(_ context.Context, _ Invocation) (Result, error) { return Result{}, nil }

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "scan", Handler: noop, Retry: backoff.Default()}))

	d, ok := r.Get("scan")
	require.True(t, ok)
	assert.Equal(t, "scan", d.Name)
	assert.Equal(t, 3, d.Retry.MaxRetries)

	assert.True(t, r.Known("scan"))
	assert.False(t, r.Known("missing"))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "scan", Handler: noop}))
	err := r.Register(Definition{Name: "scan", Handler: noop})
	assert.ErrorContains(t, err, "already registered")
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Definition{Name: "", Handler: noop}))
	assert.Error(t, r.Register(Definition{Name: "x", Handler: nil}))
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(Definition{Name: n, Handler: noop}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestInvocationArgHelpers(t *testing.T) {
	inv := Invocation{Args: []any{"path.md", map[string]any{"k": "v"}}}
	assert.Equal(t, "path.md", inv.StringArg(0))
	assert.Equal(t, "", inv.StringArg(5))
	assert.Equal(t, map[string]any{"k": "v"}, inv.MapArg(1))
	assert.Nil(t, inv.MapArg(0))
}
