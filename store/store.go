// Package store is the authoritative Postgres record of workflows, their
// steps, and incidents. All status mutations run in transactions that
// re-check the current state, so redelivered jobs cannot regress a
// terminal record.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/opspilot/opspilot/clock"
	"github.com/opspilot/opspilot/workflow"
)

var (
	// ErrNotFound is returned when a workflow, step, or incident does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status change violates
	// the state machine, including any write to a terminal record.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store wraps the database handle.
type Store struct {
	db     *sqlx.DB
	clock  clock.Clock
	logger *slog.Logger
}

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db, clock.Real{}, logger), nil
}

// New wraps an existing handle. Used directly by tests with sqlmock.
func New(db *sqlx.DB, clk clock.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{db: db, clock: clk, logger: logger}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB { return s.db.DB }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// workflowRow is the scan target; JSONB comes back as raw bytes.
type workflowRow struct {
	ID           uuid.UUID  `db:"id"`
	Kind         string     `db:"workflow_type"`
	Status       string     `db:"status"`
	TriggeredBy  string     `db:"triggered_by"`
	IncidentRef  *uuid.UUID `db:"incident_ref"`
	Data         []byte     `db:"workflow_data"`
	ErrorMessage string     `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (r workflowRow) toDomain() (workflow.Workflow, error) {
	wf := workflow.Workflow{
		ID:           r.ID,
		Kind:         workflow.Kind(r.Kind),
		Status:       workflow.Status(r.Status),
		TriggeredBy:  r.TriggeredBy,
		IncidentRef:  r.IncidentRef,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  r.CompletedAt,
		Data:         map[string]any{},
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &wf.Data); err != nil {
			return wf, fmt.Errorf("failed to decode workflow_data for %s: %w", r.ID, err)
		}
	}
	return wf, nil
}

type stepRow struct {
	ID            uuid.UUID  `db:"id"`
	WorkflowID    uuid.UUID  `db:"workflow_id"`
	Name          string     `db:"step_name"`
	Order         int        `db:"step_order"`
	Status        string     `db:"status"`
	RetryCount    int        `db:"retry_count"`
	TaskID        string     `db:"task_id"`
	StartedAt     *time.Time `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
	ResultSummary []byte     `db:"result_summary"`
	ErrorMessage  string     `db:"error_message"`
}

func (r stepRow) toDomain() (workflow.Step, error) {
	st := workflow.Step{
		ID:           r.ID,
		WorkflowID:   r.WorkflowID,
		Name:         r.Name,
		Order:        r.Order,
		Status:       workflow.StepStatus(r.Status),
		RetryCount:   r.RetryCount,
		TaskID:       r.TaskID,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		ErrorMessage: r.ErrorMessage,
	}
	if len(r.ResultSummary) > 0 {
		if err := json.Unmarshal(r.ResultSummary, &st.ResultSummary); err != nil {
			return st, fmt.Errorf("failed to decode result_summary for step %s: %w", r.ID, err)
		}
	}
	return st, nil
}

// CreateWorkflow inserts a new PENDING run and returns it.
func (s *Store) CreateWorkflow(ctx context.Context, kind workflow.Kind, actor string, incidentRef *uuid.UUID, data map[string]any) (workflow.Workflow, error) {
	if !kind.Valid() {
		return workflow.Workflow{}, fmt.Errorf("unknown workflow type %q", kind)
	}
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("failed to encode workflow_data: %w", err)
	}
	now := s.clock.Now()
	wf := workflow.Workflow{
		ID:          uuid.New(),
		Kind:        kind,
		Status:      workflow.StatusPending,
		TriggeredBy: actor,
		IncidentRef: incidentRef,
		Data:        data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, workflow_type, status, triggered_by, incident_ref, workflow_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		wf.ID, string(wf.Kind), string(wf.Status), actor, incidentRef, raw, now, now)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("failed to insert workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflow loads one run.
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (workflow.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, workflow_type, status, triggered_by, incident_ref, workflow_data, error_message, created_at, updated_at, completed_at
		 FROM workflows WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	return row.toDomain()
}

// UpdateWorkflowStatus applies a guarded transition. Terminal target
// statuses also stamp completed_at; errMsg is recorded when non-empty.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, to workflow.Status, errMsg string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cur string
		err := tx.GetContext(ctx, &cur, `SELECT status FROM workflows WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock workflow %s: %w", id, err)
		}
		from := workflow.Status(cur)
		if from == to {
			// Redelivery makes duplicate terminal writes routine.
			return nil
		}
		if !workflow.CanTransition(from, to) {
			return fmt.Errorf("workflow %s %s -> %s: %w", id, from, to, ErrInvalidTransition)
		}
		now := s.clock.Now()
		set := `status = $2, updated_at = $3`
		args := []any{id, string(to), now}
		if to.Terminal() {
			set += `, completed_at = $3`
		}
		if errMsg != "" {
			set += `, error_message = $4`
			args = append(args, errMsg)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET `+set+` WHERE id = $1`, args...); err != nil {
			return fmt.Errorf("failed to update workflow %s: %w", id, err)
		}
		return nil
	})
}

// MarkWorkflowRunning moves PENDING to RUNNING and is a no-op for any
// other current status. Called when the first step starts.
func (s *Store) MarkWorkflowRunning(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		id, string(workflow.StatusRunning), s.clock.Now(), string(workflow.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to mark workflow %s running: %w", id, err)
	}
	return nil
}

// MergeWorkflowData shallow-merges patch into workflow_data: top-level
// keys in patch replace existing keys, everything else is preserved.
func (s *Store) MergeWorkflowData(ctx context.Context, id uuid.UUID, patch map[string]any) (map[string]any, error) {
	var merged map[string]any
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var raw []byte
		err := tx.GetContext(ctx, &raw, `SELECT workflow_data FROM workflows WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock workflow %s: %w", id, err)
		}
		existing := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("failed to decode workflow_data for %s: %w", id, err)
			}
		}
		for k, v := range patch {
			existing[k] = v
		}
		out, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("failed to encode workflow_data: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET workflow_data = $2, updated_at = $3 WHERE id = $1`,
			id, out, s.clock.Now()); err != nil {
			return fmt.Errorf("failed to update workflow_data for %s: %w", id, err)
		}
		merged = existing
		return nil
	})
	return merged, err
}

// CreateStep inserts one PENDING step.
func (s *Store) CreateStep(ctx context.Context, wfID uuid.UUID, name string, order int) (workflow.Step, error) {
	st := workflow.Step{
		ID:         uuid.New(),
		WorkflowID: wfID,
		Name:       name,
		Order:      order,
		Status:     workflow.StepPending,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, step_name, step_order, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		st.ID, wfID, name, order, string(st.Status))
	if err != nil {
		return workflow.Step{}, fmt.Errorf("failed to insert step %q: %w", name, err)
	}
	return st, nil
}

// GetSteps returns all steps of a run ordered by step_order.
func (s *Store) GetSteps(ctx context.Context, wfID uuid.UUID) ([]workflow.Step, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, workflow_id, step_name, step_order, status, retry_count, task_id,
		        started_at, completed_at, result_summary, error_message
		 FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order`, wfID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps for %s: %w", wfID, err)
	}
	out := make([]workflow.Step, 0, len(rows))
	for _, r := range rows {
		st, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// GetStep loads one step by workflow and name.
func (s *Store) GetStep(ctx context.Context, wfID uuid.UUID, name string) (workflow.Step, error) {
	var row stepRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, workflow_id, step_name, step_order, status, retry_count, task_id,
		        started_at, completed_at, result_summary, error_message
		 FROM workflow_steps WHERE workflow_id = $1 AND step_name = $2`, wfID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Step{}, fmt.Errorf("step %s/%s: %w", wfID, name, ErrNotFound)
	}
	if err != nil {
		return workflow.Step{}, fmt.Errorf("failed to load step %s/%s: %w", wfID, name, err)
	}
	return row.toDomain()
}

// MarkStepDispatched records the queue job id on a pending step. It only
// writes when no job has been recorded, so Advance re-runs cannot emit
// duplicates; the boolean reports whether this call won the write.
func (s *Store) MarkStepDispatched(ctx context.Context, stepID uuid.UUID, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET task_id = $2 WHERE id = $1 AND task_id = ''`,
		stepID, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to mark step %s dispatched: %w", stepID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// StepUpdate describes a guarded step transition.
type StepUpdate struct {
	To            workflow.StepStatus
	ResultSummary map[string]any
	ErrorMessage  string
}

// UpdateStepStatus applies a guarded transition. First entry to running
// stamps started_at; running → running increments retry_count; terminal
// targets stamp completed_at. Duplicate terminal writes are ignored.
func (s *Store) UpdateStepStatus(ctx context.Context, stepID uuid.UUID, upd StepUpdate) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			Status    string     `db:"status"`
			StartedAt *time.Time `db:"started_at"`
		}
		err := tx.GetContext(ctx, &row,
			`SELECT status, started_at FROM workflow_steps WHERE id = $1 FOR UPDATE`, stepID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("step %s: %w", stepID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock step %s: %w", stepID, err)
		}
		from := workflow.StepStatus(row.Status)
		if from.Terminal() && from == upd.To {
			return nil
		}
		if !workflow.StepCanTransition(from, upd.To) {
			return fmt.Errorf("step %s %s -> %s: %w", stepID, from, upd.To, ErrInvalidTransition)
		}

		now := s.clock.Now()
		set := `status = $2`
		args := []any{stepID, string(upd.To)}
		next := 3

		if upd.To == workflow.StepRunning {
			if from == workflow.StepRunning {
				set += `, retry_count = retry_count + 1`
			}
			if row.StartedAt == nil {
				set += fmt.Sprintf(`, started_at = $%d`, next)
				args = append(args, now)
				next++
			}
		}
		if upd.To.Terminal() {
			set += fmt.Sprintf(`, completed_at = $%d`, next)
			args = append(args, now)
			next++
		}
		if upd.ResultSummary != nil {
			raw, err := json.Marshal(upd.ResultSummary)
			if err != nil {
				return fmt.Errorf("failed to encode result_summary: %w", err)
			}
			set += fmt.Sprintf(`, result_summary = $%d`, next)
			args = append(args, raw)
			next++
		}
		if upd.ErrorMessage != "" {
			set += fmt.Sprintf(`, error_message = $%d`, next)
			args = append(args, upd.ErrorMessage)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_steps SET `+set+` WHERE id = $1`, args...); err != nil {
			return fmt.Errorf("failed to update step %s: %w", stepID, err)
		}
		return nil
	})
}

// PurgeOlderThan deletes terminal workflows (steps cascade) whose
// completed_at is before the cutoff. Returns the number removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge workflows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
