// Package task defines the handler registry the executor dispatches
// against. Handlers are registered once at startup; jobs reference them
// by name so payloads stay serializable.
package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/opspilot/opspilot/backoff"
)

// Result is a step's result summary, persisted on the step record and
// passed downstream.
type Result map[string]any

// Invocation carries everything a handler receives for one attempt.
type Invocation struct {
	WorkflowID uuid.UUID
	StepName   string

	// Args are the static arguments captured at composition time.
	Args []any

	// Upstream is the single upstream result for linear edges, nil for
	// root nodes.
	Upstream Result

	// Joined is the ordered result vector for chord callbacks, nil
	// otherwise. An empty non-nil slice is an empty chord.
	Joined []Result

	// Attempt is 1-based: 1 is the first try.
	Attempt int
}

// StringArg returns Args[i] as a string, or "" when absent or mistyped.
func (inv Invocation) StringArg(i int) string {
	if i >= len(inv.Args) {
		return ""
	}
	s, _ := inv.Args[i].(string)
	return s
}

// StringsArg returns Args[i] as a string slice. JSON decoding turns
// slices into []any, so both forms are accepted.
func (inv Invocation) StringsArg(i int) []string {
	if i >= len(inv.Args) {
		return nil
	}
	switch v := inv.Args[i].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// MapArg returns Args[i] as a map, or nil when absent or mistyped.
func (inv Invocation) MapArg(i int) map[string]any {
	if i >= len(inv.Args) {
		return nil
	}
	m, _ := inv.Args[i].(map[string]any)
	return m
}

// Handler executes one step attempt. The returned Result becomes the
// step's result_summary; errors are classified by the fault package.
type Handler func(ctx context.Context, inv Invocation) (Result, error)

// Definition binds a handler name to its function and retry policy.
type Definition struct {
	Name    string
	Handler Handler
	Retry   backoff.Policy
}

// Registry is the static name → definition table.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds d. Duplicate names and nil handlers are rejected.
func (r *Registry) Register(d Definition) error {
	if d.Name == "" {
		return fmt.Errorf("task definition with empty name")
	}
	if d.Handler == nil {
		return fmt.Errorf("task %q has nil handler", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[d.Name]; exists {
		return fmt.Errorf("task %q already registered", d.Name)
	}
	r.defs[d.Name] = d
	return nil
}

// MustRegister is Register for startup wiring, panicking on conflicts.
func (r *Registry) MustRegister(d Definition) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get returns the named definition.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Known satisfies the graph builder's registry check.
func (r *Registry) Known(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
