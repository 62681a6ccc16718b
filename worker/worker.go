// Package worker executes queued task attempts. Acks are late: a job is
// acknowledged only after its terminal step status is persisted and its
// result published, so a crash mid-flight redelivers the job and the
// at-least-once guarantee holds end to end.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opspilot/opspilot/cache"
	"github.com/opspilot/opspilot/clock"
	"github.com/opspilot/opspilot/events"
	"github.com/opspilot/opspilot/fault"
	"github.com/opspilot/opspilot/queue"
	"github.com/opspilot/opspilot/store"
	"github.com/opspilot/opspilot/task"
	"github.com/opspilot/opspilot/workflow"
)

// Config tunes the executor.
type Config struct {
	// Concurrency is the number of parallel executors.
	Concurrency int

	// SoftLimit cancels the handler's context.
	SoftLimit time.Duration

	// HardLimit abandons a handler that ignored its context.
	HardLimit time.Duration

	// MaxTasksPerChild recycles an executor loop after this many jobs,
	// bounding the damage of slow leaks in handler code.
	MaxTasksPerChild int

	// InfraRetryDelay is the redelivery delay used when the engine's
	// own stores are unreachable, as opposed to handler failures.
	InfraRetryDelay time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      4,
		SoftLimit:        570 * time.Second,
		HardLimit:        600 * time.Second,
		MaxTasksPerChild: 1000,
		InfraRetryDelay:  5 * time.Second,
	}
}

// Store is the slice of the state store the executor needs.
type Store interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (workflow.Workflow, error)
	GetSteps(ctx context.Context, wfID uuid.UUID) ([]workflow.Step, error)
	UpdateStepStatus(ctx context.Context, stepID uuid.UUID, upd store.StepUpdate) error
	MarkWorkflowRunning(ctx context.Context, id uuid.UUID) error
}

// Delivery is one reserved job.
type Delivery interface {
	Job() queue.Job
	Attempt() int
	Ack() error
	RetryAfter(delay time.Duration) error
	Discard() error
}

// Source produces deliveries.
type Source interface {
	Fetch(ctx context.Context) (Delivery, error)
}

// Publisher reports terminal step outcomes.
type Publisher interface {
	PublishResult(ctx context.Context, res queue.StepResult) error
}

// NewQueueSource adapts the durable job consumer to Source.
func NewQueueSource(c *queue.JobConsumer) Source {
	return queueSource{c: c}
}

type queueSource struct{ c *queue.JobConsumer }

func (s queueSource) Fetch(ctx context.Context) (Delivery, error) {
	d, err := s.c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Worker is the executor component.
type Worker struct {
	cfg       Config
	registry  *task.Registry
	store     Store
	source    Source
	publisher Publisher
	snaps     *cache.Snapshots
	emitter   *events.Emitter
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New wires a Worker. snaps may be nil to skip snapshot refreshes.
func New(cfg Config, registry *task.Registry, st Store, src Source, pub Publisher, snaps *cache.Snapshots, emitter *events.Emitter, clk clock.Clock, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	return &Worker{
		cfg:       cfg,
		registry:  registry,
		store:     st,
		source:    src,
		publisher: pub,
		snaps:     snaps,
		emitter:   emitter,
		clock:     clk,
		logger:    logger,
	}
}

// Start launches the executor loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.run(runCtx, id)
		}(i)
	}
	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency)
	return nil
}

// Stop drains the executor loops.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker stop timed out after %s", timeout)
	}
}

// IsRunning reports lifecycle state.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Health returns execution counters.
func (w *Worker) Health() map[string]any {
	return map[string]any{
		"running":   w.IsRunning(),
		"processed": w.processed.Load(),
		"failed":    w.failed.Load(),
		"retried":   w.retried.Load(),
	}
}

// run is one executor loop. It recycles itself after MaxTasksPerChild
// jobs so long-lived handler leaks reset periodically.
func (w *Worker) run(ctx context.Context, id int) {
	handled := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, err := w.source.Fetch(ctx)
		if errors.Is(err, queue.ErrNoJob) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("fetch failed", "executor", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.Process(ctx, d)
		handled++
		if w.cfg.MaxTasksPerChild > 0 && handled >= w.cfg.MaxTasksPerChild {
			w.logger.Info("executor recycled", "executor", id, "handled", handled)
			handled = 0
		}
	}
}

// Process executes one delivery through to an ack decision.
func (w *Worker) Process(ctx context.Context, d Delivery) {
	job := d.Job()
	ctx = events.WithCorrelationID(ctx, job.CorrelationID)

	// Deferred jobs go back until they are due.
	if wait := job.Deferred(w.clock.Now()); wait > 0 {
		if err := d.RetryAfter(wait); err != nil {
			w.logger.Error("failed to defer job", "job_id", job.ID, "error", err)
		}
		return
	}

	attempt := d.Attempt()
	err := w.store.UpdateStepStatus(ctx, job.StepID, store.StepUpdate{To: workflow.StepRunning})
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		// The step already finished; this is a redelivery of a job
		// whose effects landed. Drop it.
		_ = d.Ack()
		return
	case errors.Is(err, store.ErrNotFound):
		w.logger.Warn("job references missing step", "job_id", job.ID, "step_id", job.StepID)
		_ = d.Discard()
		return
	case err != nil:
		w.logger.Error("failed to mark step running", "step_id", job.StepID, "error", err)
		_ = d.RetryAfter(w.cfg.InfraRetryDelay)
		return
	}
	if err := w.store.MarkWorkflowRunning(ctx, job.WorkflowID); err != nil {
		w.logger.Error("failed to mark workflow running", "workflow_id", job.WorkflowID, "error", err)
	}
	w.refreshSnapshot(ctx, job.WorkflowID)
	if w.emitter != nil {
		w.emitter.StepStarted(ctx, job.WorkflowID, job.StepName, job.Handler, attempt)
	}

	def, ok := w.registry.Get(job.Handler)
	if !ok {
		// A job naming an unregistered handler can never succeed.
		w.finishStep(ctx, d, job, nil, fault.Fatal(fmt.Errorf("unknown handler %q", job.Handler)), time.Time{})
		return
	}

	started := w.clock.Now()
	result, runErr := w.invoke(ctx, def, job, attempt)

	if runErr != nil && fault.IsTransient(runErr) && !def.Retry.Exhausted(attempt) {
		delay := def.Retry.Delay(attempt)
		w.retried.Add(1)
		if w.emitter != nil {
			w.emitter.StepRetry(ctx, job.WorkflowID, job.StepName, job.Handler, attempt, delay, runErr)
		}
		if err := d.RetryAfter(delay); err != nil {
			w.logger.Error("failed to schedule retry", "job_id", job.ID, "error", err)
		}
		return
	}

	w.finishStep(ctx, d, job, result, runErr, started)
}

// invoke runs the handler under the soft and hard time limits.
func (w *Worker) invoke(ctx context.Context, def task.Definition, job queue.Job, attempt int) (task.Result, error) {
	inv := task.Invocation{
		WorkflowID: job.WorkflowID,
		StepName:   job.StepName,
		Args:       job.Args,
		Upstream:   job.Upstream,
		Attempt:    attempt,
	}
	if job.JoinedSet {
		inv.Joined = job.Joined
		if inv.Joined == nil {
			inv.Joined = []task.Result{}
		}
	}

	softCtx, cancel := ctx, func() {}
	if w.cfg.SoftLimit > 0 {
		softCtx, cancel = context.WithTimeout(ctx, w.cfg.SoftLimit)
	}
	defer cancel()

	type outcome struct {
		res task.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := def.Handler(softCtx, inv)
		ch <- outcome{res: res, err: err}
	}()

	var hardC <-chan time.Time
	if w.cfg.HardLimit > 0 {
		hard := time.NewTimer(w.cfg.HardLimit)
		defer hard.Stop()
		hardC = hard.C
	}

	select {
	case o := <-ch:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fault.Transientf("soft time limit exceeded after %s", w.cfg.SoftLimit)
		}
		return o.res, o.err
	case <-hardC:
		return nil, fault.Transientf("hard time limit exceeded after %s", w.cfg.HardLimit)
	}
}

// finishStep persists the terminal status, publishes the result, and
// acks. Persistence failures leave the job unacked for redelivery.
func (w *Worker) finishStep(ctx context.Context, d Delivery, job queue.Job, result task.Result, runErr error, started time.Time) {
	status := workflow.StepCompleted
	errMsg := ""

	switch {
	case runErr == nil:
	case fault.IsDisabled(runErr):
		// A disabled dependency is a first-class skip, not a failure.
		result = task.Result{"skipped": true, "reason": fault.Reason(runErr)}
	default:
		status = workflow.StepFailed
		errMsg = runErr.Error()
		w.failed.Add(1)
	}

	upd := store.StepUpdate{To: status, ResultSummary: result, ErrorMessage: errMsg}
	if err := w.store.UpdateStepStatus(ctx, job.StepID, upd); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			_ = d.Ack()
			return
		}
		w.logger.Error("failed to persist step result", "step_id", job.StepID, "error", err)
		_ = d.RetryAfter(w.cfg.InfraRetryDelay)
		return
	}

	res := queue.StepResult{
		WorkflowID:    job.WorkflowID,
		StepID:        job.StepID,
		StepName:      job.StepName,
		Status:        status,
		ResultSummary: result,
		ErrorMessage:  errMsg,
		CorrelationID: job.CorrelationID,
	}
	if err := w.publisher.PublishResult(ctx, res); err != nil {
		// Status is persisted but the orchestrator never heard: retry
		// the publish via redelivery. The duplicate terminal write is
		// a no-op.
		w.logger.Error("failed to publish step result", "step_id", job.StepID, "error", err)
		_ = d.RetryAfter(w.cfg.InfraRetryDelay)
		return
	}

	w.processed.Add(1)
	w.refreshSnapshot(ctx, job.WorkflowID)
	if w.emitter != nil {
		var dur time.Duration
		if !started.IsZero() {
			dur = w.clock.Now().Sub(started)
		}
		w.emitter.StepFinished(ctx, job.WorkflowID, job.StepName, job.Handler, status, d.Attempt(), dur, runErr)
	}
	if err := d.Ack(); err != nil {
		w.logger.Error("failed to ack job", "job_id", job.ID, "error", err)
	}
}

// refreshSnapshot rebuilds the cached view. Failures only log; the
// store stays authoritative.
func (w *Worker) refreshSnapshot(ctx context.Context, wfID uuid.UUID) {
	if w.snaps == nil {
		return
	}
	wf, err := w.store.GetWorkflow(ctx, wfID)
	if err != nil {
		w.logger.Warn("snapshot refresh skipped", "workflow_id", wfID, "error", err)
		return
	}
	steps, err := w.store.GetSteps(ctx, wfID)
	if err != nil {
		w.logger.Warn("snapshot refresh skipped", "workflow_id", wfID, "error", err)
		return
	}
	if err := w.snaps.Put(ctx, cache.BuildSnapshot(wf, steps, w.clock.Now())); err != nil {
		w.logger.Warn("snapshot write failed", "workflow_id", wfID, "error", err)
	}
}
