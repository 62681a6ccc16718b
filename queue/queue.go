// Package queue is the durable task queue on NATS JetStream. Jobs and
// step results travel on one stream; workers hold a durable consumer on
// the job subjects and the orchestrator holds one on the result subjects.
//
// Delivery is at least once: messages are acked only after their effects
// are persisted, so every consumer side effect must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/opspilot/opspilot/task"
	"github.com/opspilot/opspilot/workflow"
)

// ErrNoJob is returned by Fetch when nothing was delivered before the
// fetch timeout. Callers just loop.
var ErrNoJob = errors.New("no job available")

// Config tunes the stream and consumers.
type Config struct {
	// Stream is the JetStream stream name.
	Stream string

	// SubjectPrefix roots all queue subjects.
	SubjectPrefix string

	// AckWait is how long a reserved job may run before redelivery.
	// It must exceed the hard execution time limit.
	AckWait time.Duration

	// MaxDeliver bounds total deliveries per message, a backstop above
	// the per-task retry budgets.
	MaxDeliver int

	// FetchTimeout bounds one Fetch call.
	FetchTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Stream:        "OPSPILOT",
		SubjectPrefix: "opspilot",
		AckWait:       11 * time.Minute,
		MaxDeliver:    20,
		FetchTimeout:  5 * time.Second,
	}
}

// Job is one task invocation traveling through the queue.
type Job struct {
	ID            string        `json:"id"`
	WorkflowID    uuid.UUID     `json:"workflow_id"`
	StepID        uuid.UUID     `json:"step_id"`
	StepName      string        `json:"step_name"`
	Handler       string        `json:"handler"`
	Args          []any         `json:"args,omitempty"`
	Upstream      task.Result   `json:"upstream,omitempty"`
	Joined        []task.Result `json:"joined,omitempty"`
	JoinedSet     bool          `json:"joined_set,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	NotBefore     *time.Time    `json:"not_before,omitempty"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
}

// Deferred returns how long the job must still wait before it is
// eligible to run, zero when it is due.
func (j Job) Deferred(now time.Time) time.Duration {
	if j.NotBefore == nil || !j.NotBefore.After(now) {
		return 0
	}
	return j.NotBefore.Sub(now)
}

// StepResult is the worker's report of a step reaching a terminal state.
type StepResult struct {
	WorkflowID    uuid.UUID           `json:"workflow_id"`
	StepID        uuid.UUID           `json:"step_id"`
	StepName      string              `json:"step_name"`
	Status        workflow.StepStatus `json:"status"`
	ResultSummary task.Result         `json:"result_summary,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
}

// Queue owns the stream and publishes jobs and results.
type Queue struct {
	js  jetstream.JetStream
	cfg Config
}

// New ensures the stream exists and returns the queue.
func New(ctx context.Context, js jetstream.JetStream, cfg Config) (*Queue, error) {
	if cfg.Stream == "" {
		cfg = DefaultConfig()
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".jobs.>", cfg.SubjectPrefix + ".results.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %q: %w", cfg.Stream, err)
	}
	return &Queue{js: js, cfg: cfg}, nil
}

func (q *Queue) jobSubject(handler string) string {
	return q.cfg.SubjectPrefix + ".jobs." + handler
}

func (q *Queue) resultSubject(wfID uuid.UUID) string {
	return q.cfg.SubjectPrefix + ".results." + wfID.String()
}

// Submit enqueues a job. The job id doubles as the JetStream message id,
// so a duplicate submit inside the dedupe window collapses to one.
func (q *Queue) Submit(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	msg := &nats.Msg{
		Subject: q.jobSubject(job.Handler),
		Data:    raw,
		Header:  nats.Header{},
	}
	msg.Header.Set("Nats-Msg-Id", job.ID)
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}
	return nil
}

// PublishResult reports a terminal step outcome to the orchestrator.
func (q *Queue) PublishResult(ctx context.Context, res StepResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode step result: %w", err)
	}
	msg := &nats.Msg{
		Subject: q.resultSubject(res.WorkflowID),
		Data:    raw,
		Header:  nats.Header{},
	}
	msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("result-%s-%s-%s", res.WorkflowID, res.StepID, res.Status))
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish result for step %s: %w", res.StepID, err)
	}
	return nil
}

// Jobs returns the durable worker consumer.
func (q *Queue) Jobs(ctx context.Context, durable string) (*JobConsumer, error) {
	cons, err := q.consumer(ctx, durable, q.cfg.SubjectPrefix+".jobs.>")
	if err != nil {
		return nil, err
	}
	return &JobConsumer{cons: cons, timeout: q.cfg.FetchTimeout}, nil
}

// Results returns the durable orchestrator consumer.
func (q *Queue) Results(ctx context.Context, durable string) (*ResultConsumer, error) {
	cons, err := q.consumer(ctx, durable, q.cfg.SubjectPrefix+".results.>")
	if err != nil {
		return nil, err
	}
	return &ResultConsumer{cons: cons, timeout: q.cfg.FetchTimeout}, nil
}

func (q *Queue) consumer(ctx context.Context, durable, filter string) (jetstream.Consumer, error) {
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %q: %w", durable, err)
	}
	return cons, nil
}

// JobConsumer fetches job deliveries.
type JobConsumer struct {
	cons    jetstream.Consumer
	timeout time.Duration
}

// Fetch reserves one job or returns ErrNoJob after the fetch timeout.
func (c *JobConsumer) Fetch(ctx context.Context) (*JobDelivery, error) {
	batch, err := c.cons.Fetch(1, jetstream.FetchMaxWait(c.timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}
	for msg := range batch.Messages() {
		var job Job
		if err := json.Unmarshal(msg.Data(), &job); err != nil {
			// Undecodable payloads are poison, drop them.
			_ = msg.Term()
			return nil, fmt.Errorf("failed to decode job payload: %w", err)
		}
		return &JobDelivery{job: job, msg: msg}, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}
	return nil, ErrNoJob
}

// JobDelivery is one reserved job plus its ack controls.
type JobDelivery struct {
	job Job
	msg jetstream.Msg
}

// Job returns the reserved job.
func (d *JobDelivery) Job() Job { return d.job }

// Attempt returns the 1-based delivery count.
func (d *JobDelivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

// Ack confirms completion. Called only after effects are persisted.
func (d *JobDelivery) Ack() error { return d.msg.Ack() }

// RetryAfter returns the job to the queue for redelivery after delay.
func (d *JobDelivery) RetryAfter(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

// Requeue returns the job for immediate redelivery.
func (d *JobDelivery) Requeue() error { return d.msg.Nak() }

// Discard drops the job without redelivery, for poison payloads.
func (d *JobDelivery) Discard() error { return d.msg.Term() }

// ResultConsumer fetches step results.
type ResultConsumer struct {
	cons    jetstream.Consumer
	timeout time.Duration
}

// Fetch reserves one result or returns ErrNoJob after the fetch timeout.
func (c *ResultConsumer) Fetch(ctx context.Context) (*ResultDelivery, error) {
	batch, err := c.cons.Fetch(1, jetstream.FetchMaxWait(c.timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result: %w", err)
	}
	for msg := range batch.Messages() {
		var res StepResult
		if err := json.Unmarshal(msg.Data(), &res); err != nil {
			_ = msg.Term()
			return nil, fmt.Errorf("failed to decode result payload: %w", err)
		}
		return &ResultDelivery{result: res, msg: msg}, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("failed to fetch result: %w", err)
	}
	return nil, ErrNoJob
}

// ResultDelivery is one reserved step result plus its ack controls.
type ResultDelivery struct {
	result StepResult
	msg    jetstream.Msg
}

// Result returns the reserved step result.
func (d *ResultDelivery) Result() StepResult { return d.result }

// Ack confirms the result was applied.
func (d *ResultDelivery) Ack() error { return d.msg.Ack() }

// Requeue returns the result for redelivery.
func (d *ResultDelivery) Requeue() error { return d.msg.Nak() }
