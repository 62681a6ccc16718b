// Package cache is the read-side snapshot cache. It is best effort: a
// miss or a failed write never blocks progress, the state store stays
// authoritative and readers fall back to it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opspilot/opspilot/workflow"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// DefaultTTL is how long a workflow snapshot stays fresh.
const DefaultTTL = time.Hour

// Store is a byte-oriented cache with TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// WorkflowKey returns the snapshot key for a run.
func WorkflowKey(id uuid.UUID) string {
	return "workflow:state:" + id.String()
}

// RunbookKey returns the cache key for a rendered runbook.
func RunbookKey(path string) string {
	return "runbook:" + path
}

// Snapshot is the denormalized view served by status reads.
type Snapshot struct {
	WorkflowID  uuid.UUID       `json:"workflow_id"`
	Kind        workflow.Kind   `json:"workflow_type"`
	Status      workflow.Status `json:"status"`
	Progress    string          `json:"progress"`
	CurrentStep string          `json:"current_step,omitempty"`
	Error       string          `json:"error,omitempty"`
	Data        map[string]any  `json:"workflow_data,omitempty"`
	Steps       []SnapshotStep  `json:"steps"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SnapshotStep is the per-step slice of a snapshot.
type SnapshotStep struct {
	Name          string              `json:"step_name"`
	Order         int                 `json:"step_order"`
	Status        workflow.StepStatus `json:"status"`
	RetryCount    int                 `json:"retry_count"`
	ResultSummary map[string]any      `json:"result_summary,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
}

// BuildSnapshot derives a Snapshot from authoritative records.
func BuildSnapshot(wf workflow.Workflow, steps []workflow.Step, now time.Time) Snapshot {
	snap := Snapshot{
		WorkflowID:  wf.ID,
		Kind:        wf.Kind,
		Status:      wf.Status,
		Progress:    workflow.Progress(steps),
		CurrentStep: workflow.CurrentStep(steps),
		Error:       wf.ErrorMessage,
		Data:        wf.Data,
		UpdatedAt:   now,
	}
	for _, st := range steps {
		snap.Steps = append(snap.Steps, SnapshotStep{
			Name:          st.Name,
			Order:         st.Order,
			Status:        st.Status,
			RetryCount:    st.RetryCount,
			ResultSummary: st.ResultSummary,
			ErrorMessage:  st.ErrorMessage,
		})
	}
	return snap
}

// Snapshots provides typed access to workflow snapshots over a Store.
type Snapshots struct {
	store Store
	ttl   time.Duration
}

// NewSnapshots wraps store with the default TTL.
func NewSnapshots(store Store) *Snapshots {
	return &Snapshots{store: store, ttl: DefaultTTL}
}

// Get returns the cached snapshot or ErrMiss.
func (s *Snapshots) Get(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	raw, err := s.store.Get(ctx, WorkflowKey(id))
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot for %s: %w", id, err)
	}
	return snap, nil
}

// Put stores the snapshot.
func (s *Snapshots) Put(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", snap.WorkflowID, err)
	}
	return s.store.Set(ctx, WorkflowKey(snap.WorkflowID), raw, s.ttl)
}

// Invalidate drops the snapshot.
func (s *Snapshots) Invalidate(ctx context.Context, id uuid.UUID) error {
	return s.store.Delete(ctx, WorkflowKey(id))
}
