package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opspilot/opspilot/incident"
)

// CreateIncident inserts a new open incident.
func (s *Store) CreateIncident(ctx context.Context, title, description string, sev incident.Severity) (incident.Incident, error) {
	if !sev.Valid() {
		return incident.Incident{}, fmt.Errorf("unknown severity %q", sev)
	}
	now := s.clock.Now()
	inc := incident.Incident{
		ID:          uuid.New(),
		Title:       title,
		Description: description,
		Severity:    sev,
		Status:      incident.StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, title, description, severity, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inc.ID, title, description, string(sev), string(inc.Status), now, now)
	if err != nil {
		return incident.Incident{}, fmt.Errorf("failed to insert incident: %w", err)
	}
	return inc, nil
}

// GetIncident loads one incident.
func (s *Store) GetIncident(ctx context.Context, id uuid.UUID) (incident.Incident, error) {
	var inc incident.Incident
	err := s.db.GetContext(ctx, &inc,
		`SELECT id, title, description, severity, status, created_at, updated_at,
		        resolved_at, response_workflow_id, postmortem_workflow_id
		 FROM incidents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return incident.Incident{}, fmt.Errorf("failed to load incident %s: %w", id, err)
	}
	return inc, nil
}

// SetIncidentStatus updates the lifecycle state. Moving to resolved
// stamps resolved_at.
func (s *Store) SetIncidentStatus(ctx context.Context, id uuid.UUID, status incident.Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown incident status %q", status)
	}
	now := s.clock.Now()
	var err error
	var res sql.Result
	if status == incident.StatusResolved {
		res, err = s.db.ExecContext(ctx,
			`UPDATE incidents SET status = $2, updated_at = $3, resolved_at = $3 WHERE id = $1`,
			id, string(status), now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE incidents SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(status), now)
	}
	if err != nil {
		return fmt.Errorf("failed to update incident %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return nil
}

// LinkIncidentWorkflow records the run that responded to or documented
// the incident. column must be "response" or "postmortem".
func (s *Store) LinkIncidentWorkflow(ctx context.Context, id uuid.UUID, column string, wfID uuid.UUID) error {
	var col string
	switch column {
	case "response":
		col = "response_workflow_id"
	case "postmortem":
		col = "postmortem_workflow_id"
	default:
		return fmt.Errorf("unknown workflow linkage %q", column)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET `+col+` = $2, updated_at = $3 WHERE id = $1`,
		id, wfID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to link incident %s: %w", id, err)
	}
	return nil
}
