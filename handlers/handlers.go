// Package handlers implements the task handlers behind the three
// built-in workflows and their composition functions.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opspilot/opspilot/backoff"
	"github.com/opspilot/opspilot/cache"
	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/clock"
	"github.com/opspilot/opspilot/incident"
	"github.com/opspilot/opspilot/task"
)

// Store is the slice of the state store handlers need.
type Store interface {
	CreateIncident(ctx context.Context, title, description string, sev incident.Severity) (incident.Incident, error)
	GetIncident(ctx context.Context, id uuid.UUID) (incident.Incident, error)
	LinkIncidentWorkflow(ctx context.Context, id uuid.UUID, column string, wfID uuid.UUID) error
	MergeWorkflowData(ctx context.Context, id uuid.UUID, patch map[string]any) (map[string]any, error)
}

// Deps carries every capability the handlers draw on.
type Deps struct {
	Store    Store
	LLM      capability.LLM
	CodeHost capability.CodeHost
	Notifier capability.Notifier
	Vectors  capability.VectorStore
	Logs     capability.LogParser
	Files    capability.FileScanner
	Changes  capability.ChangeTracker
	Cache    cache.Store

	// RunbookDir is the knowledge-base root regenerations read from.
	RunbookDir string

	// Retry overrides the per-step retry policy. Nil uses the engine
	// default of three retries with jittered exponential backoff.
	Retry *backoff.Policy

	Clock  clock.Clock
	Logger *slog.Logger
}

func (d *Deps) retry() backoff.Policy {
	if d.Retry != nil {
		return *d.Retry
	}
	return backoff.Default()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now()
}

// Register installs every handler with its retry policy.
func Register(reg *task.Registry, deps *Deps) {
	// Incident creation must not duplicate records, so it never
	// retries: a transient failure fails the run.
	reg.MustRegister(task.Definition{
		Name:    "create_incident_record",
		Handler: deps.createIncidentRecord,
		Retry:   backoff.None(),
	})
	reg.MustRegister(task.Definition{
		Name:    "analyze_logs_async",
		Handler: deps.analyzeLogs,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "search_related_runbooks",
		Handler: deps.searchRelatedRunbooks,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "create_github_issue",
		Handler: deps.createGitHubIssue,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "send_notification",
		Handler: deps.sendNotification,
		Retry:   deps.retry(),
	})

	reg.MustRegister(task.Definition{
		Name:    "generate_postmortem_sections",
		Handler: deps.generatePostmortemSections,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "render_template",
		Handler: deps.renderTemplate,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "embed_in_vector_store",
		Handler: deps.embedInVectorStore,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "notify_stakeholders",
		Handler: deps.notifyStakeholders,
		Retry:   deps.retry(),
	})

	reg.MustRegister(task.Definition{
		Name:    "scan_directory",
		Handler: deps.scanDirectory,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "detect_changes",
		Handler: deps.detectChanges,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "dispatch_embeddings",
		Handler: deps.dispatchEmbeddings,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "regenerate_embedding",
		Handler: deps.regenerateEmbedding,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "batch_update_vector_store",
		Handler: deps.batchUpdateVectorStore,
		Retry:   deps.retry(),
	})
	reg.MustRegister(task.Definition{
		Name:    "invalidate_cache",
		Handler: deps.invalidateCache,
		Retry:   deps.retry(),
	})
}
