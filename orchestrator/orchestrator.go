// Package orchestrator owns workflow lifecycles: it composes a run's
// graph on trigger, dispatches steps as their dependencies complete,
// and drives the run to a terminal status from the step results the
// workers publish.
//
// Advance is the single scheduling primitive and it is idempotent: it
// rebuilds the graph from the run's current data, reconciles it against
// the persisted step records, and dispatches whatever became ready.
// Redelivered results just advance again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opspilot/opspilot/cache"
	"github.com/opspilot/opspilot/clock"
	"github.com/opspilot/opspilot/dag"
	"github.com/opspilot/opspilot/events"
	"github.com/opspilot/opspilot/handlers"
	"github.com/opspilot/opspilot/lock"
	"github.com/opspilot/opspilot/queue"
	"github.com/opspilot/opspilot/store"
	"github.com/opspilot/opspilot/task"
	"github.com/opspilot/opspilot/workflow"
)

// ErrLocked is returned by Trigger when the workflow kind demands single
// execution and another run holds the lock. The trigger surface maps it
// to a conflict response.
var ErrLocked = errors.New("workflow lock already held")

// KBSyncLockName serializes knowledge-base syncs.
const KBSyncLockName = "kb_sync"

// DefaultKBSyncLease bounds how long a crashed sync can block the next.
const DefaultKBSyncLease = 600 * time.Second

// Definition binds a workflow kind to its composition and locking.
type Definition struct {
	Kind    workflow.Kind
	Compose func(data map[string]any) dag.Element

	// LockName, when set, must be acquired before a run is created.
	LockName  string
	LockLease time.Duration
}

// BuiltinDefinitions returns the three shipped workflow kinds.
func BuiltinDefinitions() map[workflow.Kind]Definition {
	return map[workflow.Kind]Definition{
		workflow.KindIncidentResponse: {
			Kind:    workflow.KindIncidentResponse,
			Compose: handlers.ComposeIncidentResponse,
		},
		workflow.KindPostmortemPublish: {
			Kind:    workflow.KindPostmortemPublish,
			Compose: handlers.ComposePostmortem,
		},
		workflow.KindKBSync: {
			Kind:      workflow.KindKBSync,
			Compose:   handlers.ComposeKBSync,
			LockName:  KBSyncLockName,
			LockLease: DefaultKBSyncLease,
		},
	}
}

// Store is the slice of the state store the orchestrator needs.
type Store interface {
	CreateWorkflow(ctx context.Context, kind workflow.Kind, actor string, incidentRef *uuid.UUID, data map[string]any) (workflow.Workflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (workflow.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, to workflow.Status, errMsg string) error
	CreateStep(ctx context.Context, wfID uuid.UUID, name string, order int) (workflow.Step, error)
	GetSteps(ctx context.Context, wfID uuid.UUID) ([]workflow.Step, error)
	MarkStepDispatched(ctx context.Context, stepID uuid.UUID, taskID string) (bool, error)
	UpdateStepStatus(ctx context.Context, stepID uuid.UUID, upd store.StepUpdate) error
}

// Submitter enqueues jobs.
type Submitter interface {
	Submit(ctx context.Context, job queue.Job) error
}

// ResultDelivery is one reserved step result.
type ResultDelivery interface {
	Result() queue.StepResult
	Ack() error
	Requeue() error
}

// ResultSource produces result deliveries.
type ResultSource interface {
	Fetch(ctx context.Context) (ResultDelivery, error)
}

// NewQueueResults adapts the durable result consumer to ResultSource.
func NewQueueResults(c *queue.ResultConsumer) ResultSource {
	return queueResults{c: c}
}

type queueResults struct{ c *queue.ResultConsumer }

func (s queueResults) Fetch(ctx context.Context) (ResultDelivery, error) {
	d, err := s.c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Orchestrator composes, dispatches, and finalizes workflow runs.
type Orchestrator struct {
	defs     map[workflow.Kind]Definition
	registry *task.Registry
	store    Store
	submit   Submitter
	results  ResultSource
	locks    lock.Manager
	snaps    *cache.Snapshots
	emitter  *events.Emitter
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an Orchestrator. results may be nil when only triggering;
// snaps may be nil to skip snapshot refreshes.
func New(defs map[workflow.Kind]Definition, registry *task.Registry, st Store, submit Submitter, results ResultSource, locks lock.Manager, snaps *cache.Snapshots, emitter *events.Emitter, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Orchestrator{
		defs:     defs,
		registry: registry,
		store:    st,
		submit:   submit,
		results:  results,
		locks:    locks,
		snaps:    snaps,
		emitter:  emitter,
		clock:    clk,
		logger:   logger,
	}
}

// Trigger validates, composes, and launches a run of the given kind.
// For lock-guarded kinds the lock is taken before any record is written,
// so a conflicting trigger leaves no trace.
func (o *Orchestrator) Trigger(ctx context.Context, kind workflow.Kind, data map[string]any) (workflow.Workflow, error) {
	def, ok := o.defs[kind]
	if !ok {
		return workflow.Workflow{}, fmt.Errorf("unknown workflow type %q", kind)
	}
	if data == nil {
		data = map[string]any{}
	}
	ctx, corrID := events.EnsureCorrelationID(ctx)
	data["correlation_id"] = corrID

	// Composing up front surfaces bad payloads before anything persists.
	graph, err := dag.Build(def.Compose(data), o.registry)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("failed to compose %s: %w", kind, err)
	}

	if def.LockName != "" {
		held, err := o.locks.Acquire(ctx, def.LockName, def.LockLease)
		if errors.Is(err, lock.ErrHeld) {
			if o.emitter != nil {
				o.emitter.LockConflict(ctx, def.LockName)
			}
			return workflow.Workflow{}, fmt.Errorf("%s: %w", def.LockName, ErrLocked)
		}
		if err != nil {
			return workflow.Workflow{}, fmt.Errorf("failed to acquire lock %s: %w", def.LockName, err)
		}
		data["lock_name"] = held.Name
		data["lock_token"] = held.Token
	}

	actor, _ := data["triggered_by"].(string)
	var incidentRef *uuid.UUID
	if s, _ := data["incident_ref"].(string); s != "" {
		if id, err := uuid.Parse(s); err == nil {
			incidentRef = &id
		}
	} else if s, _ := data["incident_id"].(string); s != "" {
		if id, err := uuid.Parse(s); err == nil {
			incidentRef = &id
		}
	}

	wf, err := o.store.CreateWorkflow(ctx, kind, actor, incidentRef, data)
	if err != nil {
		o.releaseLockData(ctx, data)
		return workflow.Workflow{}, err
	}
	if err := o.createSteps(ctx, wf.ID, graph, nil); err != nil {
		o.releaseLockData(ctx, data)
		return workflow.Workflow{}, err
	}
	if o.emitter != nil {
		o.emitter.WorkflowStarted(ctx, wf)
	}

	if err := o.Advance(ctx, wf.ID); err != nil {
		o.logger.Error("initial advance failed", "workflow_id", wf.ID, "error", err)
	}
	return wf, nil
}

// HandleResult applies one published step result by advancing its run.
func (o *Orchestrator) HandleResult(ctx context.Context, res queue.StepResult) error {
	ctx = events.WithCorrelationID(ctx, res.CorrelationID)
	return o.Advance(ctx, res.WorkflowID)
}

// Advance reconciles a run against its graph and dispatches every step
// whose dependencies are satisfied. Safe to call any number of times.
func (o *Orchestrator) Advance(ctx context.Context, wfID uuid.UUID) error {
	wf, err := o.store.GetWorkflow(ctx, wfID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}
	def, ok := o.defs[wf.Kind]
	if !ok {
		return fmt.Errorf("workflow %s has unknown type %q", wfID, wf.Kind)
	}

	graph, err := dag.Build(def.Compose(wf.Data), o.registry)
	if err != nil {
		return fmt.Errorf("failed to compose %s: %w", wf.Kind, err)
	}
	steps, err := o.store.GetSteps(ctx, wfID)
	if err != nil {
		return err
	}
	byName := make(map[string]workflow.Step, len(steps))
	for _, st := range steps {
		byName[st.Name] = st
	}
	// Data written mid-run can extend the graph; persist records for the
	// new nodes so they are visible in status reads before they run.
	if err := o.createSteps(ctx, wfID, graph, byName); err != nil {
		return err
	}

	rt := dag.NewRuntime(graph)
	failed := false
	runningCount := 0
	for _, n := range graph.Nodes() {
		st, ok := byName[n.Name]
		if !ok {
			continue
		}
		switch st.Status {
		case workflow.StepCompleted, workflow.StepSkipped:
			rt.MarkDone(n.Name)
		case workflow.StepFailed:
			failed = true
		case workflow.StepRunning:
			runningCount++
		}
	}

	if failed {
		// Let in-flight siblings land before finalizing so their results
		// are recorded; the next result redrives this path.
		if runningCount > 0 {
			return nil
		}
		return o.finalize(ctx, wf, workflow.StatusFailed, byName)
	}
	if rt.IsDone() {
		return o.finalize(ctx, wf, workflow.StatusCompleted, byName)
	}

	for _, name := range rt.Ready() {
		st, ok := byName[name]
		if !ok || st.Status != workflow.StepPending || st.TaskID != "" {
			continue
		}
		node, _ := graph.Node(name)
		if err := o.dispatch(ctx, wf, node, st, byName); err != nil {
			return err
		}
	}
	o.refreshSnapshot(ctx, wfID)
	return nil
}

// Cancel moves a non-terminal run to CANCELLED and skips its pending
// steps. Steps already running finish, but their results hit a terminal
// run and are dropped.
func (o *Orchestrator) Cancel(ctx context.Context, wfID uuid.UUID) error {
	wf, err := o.store.GetWorkflow(ctx, wfID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return fmt.Errorf("workflow %s is already %s: %w", wfID, wf.Status, store.ErrInvalidTransition)
	}
	steps, err := o.store.GetSteps(ctx, wfID)
	if err != nil {
		return err
	}
	byName := make(map[string]workflow.Step, len(steps))
	for _, st := range steps {
		byName[st.Name] = st
	}
	return o.finalize(ctx, wf, workflow.StatusCancelled, byName)
}

// finalize skips leftover pending steps, writes the terminal status
// with the failed step's error, releases the run's lock, and refreshes
// the snapshot.
func (o *Orchestrator) finalize(ctx context.Context, wf workflow.Workflow, status workflow.Status, byName map[string]workflow.Step) error {
	for _, st := range byName {
		if st.Status != workflow.StepPending {
			continue
		}
		err := o.store.UpdateStepStatus(ctx, st.ID, store.StepUpdate{
			To:            workflow.StepSkipped,
			ResultSummary: map[string]any{"skipped": true, "reason": "workflow " + string(status)},
		})
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
	}

	errMsg := ""
	if status == workflow.StatusFailed {
		for _, st := range byName {
			if st.Status != workflow.StepFailed || st.ErrorMessage == "" {
				continue
			}
			errMsg = fmt.Sprintf("Step '%s' failed: %s", st.Name, st.ErrorMessage)
			break
		}
	}
	// The RUNNING write happens on the worker and can fail or lose the
	// race, so the record may still read PENDING when the last step
	// lands. COMPLETED is only reachable from RUNNING; promote first.
	// The guard turns the promote into a no-op when the worker got there.
	if status == workflow.StatusCompleted && wf.Status == workflow.StatusPending {
		if err := o.store.UpdateWorkflowStatus(ctx, wf.ID, workflow.StatusRunning, ""); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
	}
	if err := o.store.UpdateWorkflowStatus(ctx, wf.ID, status, errMsg); err != nil {
		return err
	}
	o.releaseLockData(ctx, wf.Data)
	if o.emitter != nil {
		o.emitter.WorkflowFinished(ctx, wf, status)
	}
	o.refreshSnapshot(ctx, wf.ID)
	return nil
}

// dispatch enqueues one ready step. The job id is derived from the step
// id, so a duplicate submit inside the dedupe window collapses and a
// later one is absorbed by the worker's transition guard.
func (o *Orchestrator) dispatch(ctx context.Context, wf workflow.Workflow, node *dag.Node, st workflow.Step, byName map[string]workflow.Step) error {
	job := queue.Job{
		ID:            "job-" + st.ID.String(),
		WorkflowID:    wf.ID,
		StepID:        st.ID,
		StepName:      node.Name,
		Handler:       node.Handler,
		Args:          node.Args,
		CorrelationID: events.CorrelationID(ctx),
		EnqueuedAt:    o.clock.Now(),
	}

	if node.IsJoin() {
		job.JoinedSet = true
		job.Joined = make([]task.Result, 0, len(node.JoinOf))
		for _, member := range node.JoinOf {
			job.Joined = append(job.Joined, task.Result(byName[member].ResultSummary))
		}
	} else if len(node.Upstream) == 1 {
		job.Upstream = task.Result(byName[node.Upstream[0]].ResultSummary)
	}

	if err := o.submit.Submit(ctx, job); err != nil {
		return fmt.Errorf("failed to dispatch step %s: %w", node.Name, err)
	}
	if _, err := o.store.MarkStepDispatched(ctx, st.ID, job.ID); err != nil {
		return err
	}
	return nil
}

// createSteps inserts records for graph nodes that have none yet.
// step_order is the node's position in graph insertion order, which is
// stable across recompositions of the same data.
func (o *Orchestrator) createSteps(ctx context.Context, wfID uuid.UUID, graph *dag.Graph, byName map[string]workflow.Step) error {
	for i, n := range graph.Nodes() {
		if _, exists := byName[n.Name]; exists {
			continue
		}
		st, err := o.store.CreateStep(ctx, wfID, n.Name, i+1)
		if err != nil {
			return fmt.Errorf("failed to create step %q: %w", n.Name, err)
		}
		if byName != nil {
			byName[n.Name] = st
		}
	}
	return nil
}

// releaseLockData frees the lock recorded on a run, if any.
func (o *Orchestrator) releaseLockData(ctx context.Context, data map[string]any) {
	name, _ := data["lock_name"].(string)
	token, _ := data["lock_token"].(string)
	if name == "" || token == "" {
		return
	}
	err := o.locks.Release(ctx, lock.Lock{Name: name, Token: token})
	if err != nil && !errors.Is(err, lock.ErrNotHeld) {
		o.logger.Warn("lock release failed", "lock", name, "error", err)
	}
}

// refreshSnapshot rebuilds the cached status view. Failures only log.
func (o *Orchestrator) refreshSnapshot(ctx context.Context, wfID uuid.UUID) {
	if o.snaps == nil {
		return
	}
	wf, err := o.store.GetWorkflow(ctx, wfID)
	if err != nil {
		o.logger.Warn("snapshot refresh skipped", "workflow_id", wfID, "error", err)
		return
	}
	steps, err := o.store.GetSteps(ctx, wfID)
	if err != nil {
		o.logger.Warn("snapshot refresh skipped", "workflow_id", wfID, "error", err)
		return
	}
	if err := o.snaps.Put(ctx, cache.BuildSnapshot(wf, steps, o.clock.Now())); err != nil {
		o.logger.Warn("snapshot write failed", "workflow_id", wfID, "error", err)
	}
}

// Start launches the result consumption loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("orchestrator already running")
	}
	if o.results == nil {
		return errors.New("orchestrator has no result source")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.consume(runCtx)
	}()
	o.logger.Info("orchestrator started")
	return nil
}

// Stop drains the result loop.
func (o *Orchestrator) Stop(timeout time.Duration) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("orchestrator stop timed out after %s", timeout)
	}
}

// IsRunning reports lifecycle state.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, err := o.results.Fetch(ctx)
		if errors.Is(err, queue.ErrNoJob) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("result fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		res := d.Result()
		if err := o.HandleResult(ctx, res); err != nil {
			// Unapplied results are redelivered until the store is back.
			o.logger.Error("failed to apply step result",
				"workflow_id", res.WorkflowID, "step", res.StepName, "error", err)
			if err := d.Requeue(); err != nil {
				o.logger.Error("failed to requeue result", "error", err)
			}
			continue
		}
		if err := d.Ack(); err != nil {
			o.logger.Error("failed to ack result", "error", err)
		}
	}
}
