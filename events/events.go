// Package events emits the engine's observable boundary events: one
// structured log line plus metric updates per state transition, every
// line carrying the trigger's correlation id.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opspilot/opspilot/workflow"
)

type ctxKey struct{}

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationID returns the attached id, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// EnsureCorrelationID returns the attached id, minting one if absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

// Emitter logs boundary events and updates metrics.
type Emitter struct {
	logger *slog.Logger

	workflowsStarted  *prometheus.CounterVec
	workflowsFinished *prometheus.CounterVec
	stepsFinished     *prometheus.CounterVec
	stepRetries       *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	lockConflicts     *prometheus.CounterVec
}

// NewEmitter builds an Emitter and registers its collectors.
func NewEmitter(logger *slog.Logger, reg prometheus.Registerer) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		logger: logger,
		workflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspilot_workflows_started_total",
			Help: "Workflows composed, by type.",
		}, []string{"workflow_type"}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspilot_workflows_finished_total",
			Help: "Workflows reaching a terminal status, by type and status.",
		}, []string{"workflow_type", "status"}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspilot_steps_finished_total",
			Help: "Steps reaching a terminal status, by handler and status.",
		}, []string{"handler", "status"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspilot_step_retries_total",
			Help: "Step retry attempts, by handler.",
		}, []string{"handler"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opspilot_step_duration_seconds",
			Help:    "Step attempt duration, by handler.",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 12),
		}, []string{"handler"}),
		lockConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspilot_lock_conflicts_total",
			Help: "Workflow triggers rejected because a lock was held.",
		}, []string{"lock"}),
	}
	if reg != nil {
		reg.MustRegister(
			e.workflowsStarted, e.workflowsFinished,
			e.stepsFinished, e.stepRetries, e.stepDuration,
			e.lockConflicts,
		)
	}
	return e
}

// WorkflowStarted records a composed run.
func (e *Emitter) WorkflowStarted(ctx context.Context, wf workflow.Workflow) {
	e.workflowsStarted.WithLabelValues(string(wf.Kind)).Inc()
	e.logger.Info("workflow started",
		"event", "workflow_started",
		"workflow_id", wf.ID,
		"workflow_type", wf.Kind,
		"correlation_id", CorrelationID(ctx),
	)
}

// WorkflowFinished records a run reaching a terminal status.
func (e *Emitter) WorkflowFinished(ctx context.Context, wf workflow.Workflow, status workflow.Status) {
	e.workflowsFinished.WithLabelValues(string(wf.Kind), string(status)).Inc()
	e.logger.Info("workflow finished",
		"event", "workflow_finished",
		"workflow_id", wf.ID,
		"workflow_type", wf.Kind,
		"status", status,
		"correlation_id", CorrelationID(ctx),
	)
}

// StepStarted records a step attempt beginning.
func (e *Emitter) StepStarted(ctx context.Context, wfID uuid.UUID, stepName, handler string, attempt int) {
	e.logger.Info("step started",
		"event", "step_started",
		"workflow_id", wfID,
		"step_name", stepName,
		"handler", handler,
		"attempt", attempt,
		"correlation_id", CorrelationID(ctx),
	)
}

// StepFinished records a step attempt ending.
func (e *Emitter) StepFinished(ctx context.Context, wfID uuid.UUID, stepName, handler string, status workflow.StepStatus, attempt int, dur time.Duration, err error) {
	e.stepsFinished.WithLabelValues(handler, string(status)).Inc()
	e.stepDuration.WithLabelValues(handler).Observe(dur.Seconds())
	attrs := []any{
		"event", "step_finished",
		"workflow_id", wfID,
		"step_name", stepName,
		"handler", handler,
		"status", status,
		"attempt", attempt,
		"duration_ms", dur.Milliseconds(),
		"correlation_id", CorrelationID(ctx),
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
		e.logger.Warn("step finished", attrs...)
		return
	}
	e.logger.Info("step finished", attrs...)
}

// StepRetry records a scheduled retry.
func (e *Emitter) StepRetry(ctx context.Context, wfID uuid.UUID, stepName, handler string, attempt int, delay time.Duration, err error) {
	e.stepRetries.WithLabelValues(handler).Inc()
	e.logger.Warn("step retry scheduled",
		"event", "step_retry",
		"workflow_id", wfID,
		"step_name", stepName,
		"handler", handler,
		"attempt", attempt,
		"retry_in", delay,
		"error", err.Error(),
		"correlation_id", CorrelationID(ctx),
	)
}

// LockConflict records a rejected trigger.
func (e *Emitter) LockConflict(ctx context.Context, lockName string) {
	e.lockConflicts.WithLabelValues(lockName).Inc()
	e.logger.Info("lock conflict",
		"event", "lock_conflict",
		"lock", lockName,
		"correlation_id", CorrelationID(ctx),
	)
}
