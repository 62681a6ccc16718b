// Package incident defines the incident records that the incident
// response workflow creates and the postmortem workflow publishes from.
package incident

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Status is an incident lifecycle state. Postmortems can only be
// published for resolved incidents.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Incident is a tracked production incident. The workflow linkage columns
// point at the runs that responded to and documented it.
type Incident struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	Title                string     `json:"title" db:"title"`
	Description          string     `json:"description" db:"description"`
	Severity             Severity   `json:"severity" db:"severity"`
	Status               Status     `json:"status" db:"status"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResponseWorkflowID   *uuid.UUID `json:"response_workflow_id,omitempty" db:"response_workflow_id"`
	PostmortemWorkflowID *uuid.UUID `json:"postmortem_workflow_id,omitempty" db:"postmortem_workflow_id"`
}
