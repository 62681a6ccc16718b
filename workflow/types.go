// Package workflow defines the persistent domain model: workflow runs,
// their steps, and the legal state transitions for each.
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a workflow definition.
type Kind string

const (
	KindIncidentResponse  Kind = "INCIDENT_RESPONSE"
	KindPostmortemPublish Kind = "POSTMORTEM_PUBLISH"
	KindKBSync            Kind = "KB_SYNC"
)

// Valid reports whether k names a known workflow definition.
func (k Kind) Valid() bool {
	switch k {
	case KindIncidentResponse, KindPostmortemPublish, KindKBSync:
		return true
	}
	return false
}

// Status is a workflow run state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal workflow transition.
// Terminal states accept nothing; self-transitions are rejected.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// StepStatus is a step state. Steps use lower-case values on the wire and
// in the database, matching the job result payloads.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has finished.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepCanTransition reports whether from → to is legal for a step.
// running → running is allowed: it is the retry self-transition and must
// increment the step's retry count.
func StepCanTransition(from, to StepStatus) bool {
	switch from {
	case StepPending:
		return to == StepRunning || to == StepSkipped
	case StepRunning:
		return to == StepRunning || to == StepCompleted || to == StepFailed || to == StepSkipped
	}
	return false
}

// Workflow is a single run of a workflow definition.
type Workflow struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	Kind         Kind           `json:"workflow_type" db:"workflow_type"`
	Status       Status         `json:"status" db:"status"`
	TriggeredBy  string         `json:"triggered_by,omitempty" db:"triggered_by"`
	IncidentRef  *uuid.UUID     `json:"incident_ref,omitempty" db:"incident_ref"`
	Data         map[string]any `json:"workflow_data" db:"workflow_data"`
	ErrorMessage string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// Step is one node of a run's execution graph. step_order is unique per
// workflow and gives the deterministic composition order.
type Step struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	WorkflowID    uuid.UUID      `json:"workflow_id" db:"workflow_id"`
	Name          string         `json:"step_name" db:"step_name"`
	Order         int            `json:"step_order" db:"step_order"`
	Status        StepStatus     `json:"status" db:"status"`
	RetryCount    int            `json:"retry_count" db:"retry_count"`
	TaskID        string         `json:"task_id,omitempty" db:"task_id"`
	StartedAt     *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	ResultSummary map[string]any `json:"result_summary,omitempty" db:"result_summary"`
	ErrorMessage  string         `json:"error_message,omitempty" db:"error_message"`
}

// Progress renders "N/M steps completed" for status responses.
func Progress(steps []Step) string {
	done := 0
	for _, s := range steps {
		if s.Status == StepCompleted {
			done++
		}
	}
	return fmt.Sprintf("%d/%d steps completed", done, len(steps))
}

// CurrentStep returns the name of the first running step in order, or ""
// when nothing is running.
func CurrentStep(steps []Step) string {
	for _, s := range steps {
		if s.Status == StepRunning {
			return s.Name
		}
	}
	return ""
}
