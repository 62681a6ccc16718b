// Package httpapi is the trigger and status surface. Triggers respond
// 202 with the created run; status reads serve the cached snapshot and
// fall back to the authoritative store on a miss.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opspilot/opspilot/cache"
	"github.com/opspilot/opspilot/events"
	"github.com/opspilot/opspilot/incident"
	"github.com/opspilot/opspilot/orchestrator"
	"github.com/opspilot/opspilot/store"
	"github.com/opspilot/opspilot/workflow"
)

// kbSyncConflictDetail is the body clients see when a sync is rejected
// because another one holds the lock.
const kbSyncConflictDetail = "KB sync workflow is already running. Please wait for it to complete."

// Triggerer launches and cancels workflow runs.
type Triggerer interface {
	Trigger(ctx context.Context, kind workflow.Kind, data map[string]any) (workflow.Workflow, error)
	Cancel(ctx context.Context, wfID uuid.UUID) error
}

// Store is the slice of the state store the API reads and writes.
type Store interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (workflow.Workflow, error)
	GetSteps(ctx context.Context, wfID uuid.UUID) ([]workflow.Step, error)
	CreateIncident(ctx context.Context, title, description string, sev incident.Severity) (incident.Incident, error)
	GetIncident(ctx context.Context, id uuid.UUID) (incident.Incident, error)
	SetIncidentStatus(ctx context.Context, id uuid.UUID, status incident.Status) error
	Ping(ctx context.Context) error
}

// Server serves the trigger and status endpoints.
type Server struct {
	trigger  Triggerer
	store    Store
	snaps    *cache.Snapshots
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Server. snaps may be nil to always read the store.
func New(trigger Triggerer, st Store, snaps *cache.Snapshots, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		trigger:  trigger,
		store:    st,
		snaps:    snaps,
		gatherer: gatherer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workflows/incident/{incident_id}", s.triggerIncident)
	mux.HandleFunc("POST /api/workflows/postmortem/{incident_id}", s.triggerPostmortem)
	mux.HandleFunc("POST /api/workflows/kb-sync", s.triggerKBSync)
	mux.HandleFunc("GET /api/workflows/{workflow_id}", s.getWorkflow)
	// Cancel keeps its literal segment ahead of the wildcard so the
	// pattern cannot conflict with the trigger routes above.
	mux.HandleFunc("POST /api/workflows/cancel/{workflow_id}", s.cancelWorkflow)

	mux.HandleFunc("POST /api/incidents", s.createIncident)
	mux.HandleFunc("GET /api/incidents/{incident_id}", s.getIncident)
	mux.HandleFunc("POST /api/incidents/{incident_id}/resolve", s.resolveIncident)

	mux.HandleFunc("GET /healthz", s.healthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return correlate(mux)
}

// correlate threads the caller's correlation id, minting one when the
// header is absent, and echoes it on the response.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Correlation-ID"); id != "" {
			ctx = events.WithCorrelationID(ctx, id)
		}
		ctx, id := events.EnsureCorrelationID(ctx)
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type triggerResponse struct {
	WorkflowID uuid.UUID       `json:"workflow_id"`
	Type       workflow.Kind   `json:"type"`
	Status     workflow.Status `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	Message    string          `json:"message"`
}

type incidentRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	LogFilePath string `json:"log_file_path,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

func (s *Server) triggerIncident(w http.ResponseWriter, r *http.Request) {
	var req incidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		s.detail(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Severity == "" {
		req.Severity = string(incident.SeverityMedium)
	}
	if !incident.Severity(req.Severity).Valid() {
		s.detail(w, http.StatusBadRequest, "unknown severity "+req.Severity)
		return
	}

	data := map[string]any{
		"incident_ref": r.PathValue("incident_id"),
		"title":        req.Title,
		"description":  req.Description,
		"severity":     req.Severity,
		"triggered_by": req.TriggeredBy,
	}
	if req.LogFilePath != "" {
		data["log_file_path"] = req.LogFilePath
	}

	wf, err := s.trigger.Trigger(r.Context(), workflow.KindIncidentResponse, data)
	if err != nil {
		s.logger.Error("incident trigger failed", "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}
	s.accepted(w, wf, "Incident response workflow started")
}

func (s *Server) triggerPostmortem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("incident_id"))
	if err != nil {
		s.detail(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	inc, err := s.store.GetIncident(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.detail(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		s.logger.Error("incident lookup failed", "incident_id", id, "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to load incident")
		return
	}
	if inc.Status != incident.StatusResolved {
		s.detail(w, http.StatusBadRequest, "incident must be resolved before publishing a postmortem")
		return
	}

	wf, err := s.trigger.Trigger(r.Context(), workflow.KindPostmortemPublish, map[string]any{
		"incident_id": inc.ID.String(),
		"title":       inc.Title,
	})
	if err != nil {
		s.logger.Error("postmortem trigger failed", "incident_id", id, "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}
	s.accepted(w, wf, "Postmortem publish workflow started")
}

type kbSyncRequest struct {
	RunbooksDir string `json:"runbooks_dir"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

func (s *Server) triggerKBSync(w http.ResponseWriter, r *http.Request) {
	var req kbSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RunbooksDir == "" {
		s.detail(w, http.StatusBadRequest, "runbooks_dir is required")
		return
	}
	if info, err := os.Stat(req.RunbooksDir); err != nil || !info.IsDir() {
		s.detail(w, http.StatusBadRequest, "runbooks_dir does not exist: "+req.RunbooksDir)
		return
	}

	wf, err := s.trigger.Trigger(r.Context(), workflow.KindKBSync, map[string]any{
		"runbooks_dir": req.RunbooksDir,
		"triggered_by": req.TriggeredBy,
	})
	if errors.Is(err, orchestrator.ErrLocked) {
		s.detail(w, http.StatusConflict, kbSyncConflictDetail)
		return
	}
	if err != nil {
		s.logger.Error("kb-sync trigger failed", "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}
	s.accepted(w, wf, "KB sync workflow started")
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("workflow_id"))
	if err != nil {
		s.detail(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	if s.snaps != nil {
		if snap, err := s.snaps.Get(r.Context(), id); err == nil {
			s.writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	wf, err := s.store.GetWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.detail(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("workflow lookup failed", "workflow_id", id, "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}
	steps, err := s.store.GetSteps(r.Context(), id)
	if err != nil {
		s.logger.Error("step lookup failed", "workflow_id", id, "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}

	snap := cache.BuildSnapshot(wf, steps, s.now())
	if s.snaps != nil {
		if err := s.snaps.Put(r.Context(), snap); err != nil {
			s.logger.Warn("snapshot refresh failed", "workflow_id", id, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("workflow_id"))
	if err != nil {
		s.detail(w, http.StatusBadRequest, "invalid workflow id")
		return
	}
	err = s.trigger.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.detail(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, store.ErrInvalidTransition):
		s.detail(w, http.StatusConflict, "workflow already finished")
	case err != nil:
		s.logger.Error("cancel failed", "workflow_id", id, "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to cancel workflow")
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"workflow_id": id,
			"status":      workflow.StatusCancelled,
		})
	}
}

type createIncidentRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

func (s *Server) createIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		s.detail(w, http.StatusBadRequest, "title is required")
		return
	}
	sev := incident.Severity(req.Severity)
	if req.Severity == "" {
		sev = incident.SeverityMedium
	}
	if !sev.Valid() {
		s.detail(w, http.StatusBadRequest, "unknown severity "+req.Severity)
		return
	}
	inc, err := s.store.CreateIncident(r.Context(), req.Title, req.Description, sev)
	if err != nil {
		s.logger.Error("incident create failed", "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to create incident")
		return
	}
	s.writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("incident_id"))
	if err != nil {
		s.detail(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	inc, err := s.store.GetIncident(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.detail(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		s.logger.Error("incident lookup failed", "incident_id", id, "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to load incident")
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("incident_id"))
	if err != nil {
		s.detail(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	err = s.store.SetIncidentStatus(r.Context(), id, incident.StatusResolved)
	if errors.Is(err, store.ErrNotFound) {
		s.detail(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		s.logger.Error("incident resolve failed", "incident_id", id, "error", err)
		s.detail(w, http.StatusInternalServerError, "failed to resolve incident")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": incident.StatusResolved,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) accepted(w http.ResponseWriter, wf workflow.Workflow, message string) {
	s.writeJSON(w, http.StatusAccepted, triggerResponse{
		WorkflowID: wf.ID,
		Type:       wf.Kind,
		Status:     wf.Status,
		CreatedAt:  wf.CreatedAt,
		Message:    message,
	})
}

func (s *Server) detail(w http.ResponseWriter, code int, detail string) {
	s.writeJSON(w, code, map[string]string{"detail": detail})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}
