package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opspilot/opspilot/fault"
	"github.com/opspilot/opspilot/incident"
	"github.com/opspilot/opspilot/task"
)

// timelineCap bounds how many timeline entries land in a result summary.
const timelineCap = 50

// createIncidentRecord opens the incident row and links it to the run.
// Args: title, description, severity.
func (d *Deps) createIncidentRecord(ctx context.Context, inv task.Invocation) (task.Result, error) {
	title := inv.StringArg(0)
	if title == "" {
		return nil, fault.Permanentf("incident title is required")
	}
	sev := incident.Severity(inv.StringArg(2))
	if sev == "" {
		sev = incident.SeverityMedium
	}
	if !sev.Valid() {
		return nil, fault.Permanentf("unknown severity %q", sev)
	}

	inc, err := d.Store.CreateIncident(ctx, title, inv.StringArg(1), sev)
	if err != nil {
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}
	if err := d.Store.LinkIncidentWorkflow(ctx, inc.ID, "response", inv.WorkflowID); err != nil {
		d.logger().Warn("failed to link incident to workflow", "incident_id", inc.ID, "error", err)
	}
	return task.Result{
		"incident_id": inc.ID.String(),
		"created_at":  inc.CreatedAt.Format(time.RFC3339),
	}, nil
}

// analyzeLogs extracts the error timeline from the referenced log file.
// Args: log path.
func (d *Deps) analyzeLogs(ctx context.Context, inv task.Invocation) (task.Result, error) {
	path := inv.StringArg(0)
	if path == "" {
		return nil, fault.Permanentf("log path is required")
	}
	summary, err := d.Logs.Parse(ctx, path)
	if err != nil {
		return nil, err
	}

	timeline := summary.Timeline
	if len(timeline) > timelineCap {
		timeline = timeline[:timelineCap]
	}
	entries := make([]map[string]any, 0, len(timeline))
	for _, e := range timeline {
		entries = append(entries, map[string]any{
			"timestamp": e.Timestamp.Format(time.RFC3339),
			"level":     e.Level,
			"message":   e.Message,
		})
	}
	return task.Result{
		"errors_found": summary.ErrorsFound,
		"timeline":     entries,
		"patterns":     summary.Patterns,
	}, nil
}

// searchRelatedRunbooks queries the vector store for runbooks matching
// the incident. Args: base query text. When log analysis ran upstream,
// its extracted error summary sharpens the query.
func (d *Deps) searchRelatedRunbooks(ctx context.Context, inv task.Invocation) (task.Result, error) {
	query := inv.StringArg(0)
	if extracted := timelineQuery(inv.Upstream); extracted != "" {
		query = strings.TrimSpace(query + " " + extracted)
	}
	if query == "" {
		return nil, fault.Permanentf("search query is empty")
	}

	hits, err := d.Vectors.Search(ctx, query, 5)
	if err != nil {
		return nil, err
	}
	runbooks := make([]string, 0, len(hits))
	results := make([]map[string]any, 0, len(hits))
	seen := map[string]bool{}
	for _, h := range hits {
		doc := h.Metadata["doc_id"]
		if doc == "" {
			doc = h.ID
		}
		if !seen[doc] {
			seen[doc] = true
			runbooks = append(runbooks, doc)
		}
		results = append(results, map[string]any{
			"id":    h.ID,
			"score": h.Score,
			"text":  h.Text,
		})
	}
	return task.Result{"runbooks": runbooks, "hits": results}, nil
}

// timelineQuery rebuilds a search snippet from an upstream log summary.
func timelineQuery(upstream task.Result) string {
	if upstream == nil {
		return ""
	}
	raw, ok := upstream["timeline"].([]any)
	if !ok {
		return ""
	}
	var msgs []string
	for _, item := range raw {
		if len(msgs) == 3 {
			break
		}
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if msg, ok := entry["message"].(string); ok && msg != "" {
			msgs = append(msgs, msg)
		}
	}
	out := strings.Join(msgs, "; ")
	if len(out) > 500 {
		out = out[:500]
	}
	return out
}

// createGitHubIssue files a tracking issue. Args: title, body, severity.
// When an upstream step rendered a document, it becomes the body.
func (d *Deps) createGitHubIssue(ctx context.Context, inv task.Invocation) (task.Result, error) {
	title := inv.StringArg(0)
	body := inv.StringArg(1)
	if doc, ok := inv.Upstream["document"].(string); ok && doc != "" {
		body = doc
	}
	labels := []string{"incident"}
	if sev := inv.StringArg(2); sev != "" {
		labels = append(labels, "severity/"+sev)
	}

	issue, err := d.CodeHost.CreateIssue(ctx, title, body, labels)
	if err != nil {
		return nil, err
	}
	return task.Result{
		"issue_url":    issue.URL,
		"issue_number": issue.Number,
	}, nil
}

// sendNotification alerts the configured channels. Args: title,
// severity.
func (d *Deps) sendNotification(ctx context.Context, inv task.Invocation) (task.Result, error) {
	title := inv.StringArg(0)
	sev := inv.StringArg(1)

	subject := fmt.Sprintf("[%s] Incident: %s", strings.ToUpper(sev), title)
	message := fmt.Sprintf("Incident response workflow %s is handling %q.", inv.WorkflowID, title)
	if url, ok := inv.Upstream["issue_url"].(string); ok && url != "" {
		message += " Tracking issue: " + url
	}

	delivery, err := d.Notifier.Notify(ctx, subject, message)
	if err != nil {
		return nil, err
	}
	return task.Result{
		"sent_to": delivery.SentTo,
		"status":  delivery.Status,
	}, nil
}
