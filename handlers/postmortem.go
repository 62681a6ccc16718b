package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/opspilot/opspilot/fault"
	"github.com/opspilot/opspilot/task"
)

// sectionNames are the postmortem sections the model is asked to draft,
// in render order. timeline and lessons_learned are lists; the rest are
// prose.
var sectionNames = []string{"summary", "timeline", "root_cause", "impact", "resolution", "lessons_learned"}

const postmortemSystem = "You are an SRE writing a blameless postmortem. " +
	"Respond with a JSON object with keys summary, root_cause, impact, and " +
	"resolution mapping to markdown text, and keys timeline and " +
	"lessons_learned mapping to arrays of strings. Respond with JSON only."

// generatePostmortemSections drafts the section bodies for a resolved
// incident. Args: incident ID.
func (d *Deps) generatePostmortemSections(ctx context.Context, inv task.Invocation) (task.Result, error) {
	incidentID, err := uuid.Parse(inv.StringArg(0))
	if err != nil {
		return nil, fault.Permanentf("invalid incident id %q: %v", inv.StringArg(0), err)
	}
	inc, err := d.Store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fault.Permanentf("incident %s not found: %v", incidentID, err)
	}
	if err := d.Store.LinkIncidentWorkflow(ctx, inc.ID, "postmortem", inv.WorkflowID); err != nil {
		d.logger().Warn("failed to link incident to postmortem workflow",
			"incident_id", inc.ID, "error", err)
	}

	resolved := "unresolved"
	if inc.ResolvedAt != nil {
		resolved = inc.ResolvedAt.Format(time.RFC3339)
	}
	prompt := fmt.Sprintf(
		"Incident: %s\nSeverity: %s\nOpened: %s\nResolved: %s\n\nDescription:\n%s",
		inc.Title, inc.Severity, inc.CreatedAt.Format(time.RFC3339), resolved, inc.Description,
	)

	raw, err := d.LLM.Complete(ctx, postmortemSystem, prompt)
	if err != nil {
		return nil, err
	}
	sections := parseSections(raw)
	return task.Result{
		"incident_id": inc.ID.String(),
		"title":       inc.Title,
		"severity":    string(inc.Severity),
		"sections":    sections,
	}, nil
}

// parseSections decodes the model's JSON response into per-section
// markdown. List sections become bullet lists. Models occasionally wrap
// JSON in a code fence or prose; if no object can be recovered the whole
// response lands in the summary section so the run still produces a
// document.
func parseSections(raw string) map[string]string {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			var decoded map[string]any
			if json.Unmarshal([]byte(text[start:end+1]), &decoded) == nil {
				sections := make(map[string]string, len(sectionNames))
				for _, name := range sectionNames {
					sections[name] = sectionMarkdown(decoded[name])
				}
				return sections
			}
		}
	}
	sections := make(map[string]string, len(sectionNames))
	sections["summary"] = text
	return sections
}

// sectionMarkdown renders one decoded section value as markdown.
func sectionMarkdown(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []any:
		var lines []string
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				lines = append(lines, "- "+s)
			}
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

// postmortemTemplate renders the final markdown document.
var postmortemTemplate = template.Must(template.New("postmortem").Parse(
	`# Postmortem: {{.Title}}

**Incident ID:** {{.IncidentID}}
**Severity:** {{.Severity}}
**Published:** {{.Published}}

## Summary

{{.Summary}}

## Timeline

{{.Timeline}}

## Root Cause

{{.RootCause}}

## Impact

{{.Impact}}

## Resolution

{{.Resolution}}

## Lessons Learned

{{.LessonsLearned}}
`))

// renderTemplate turns generated sections into the published markdown
// document.
func (d *Deps) renderTemplate(ctx context.Context, inv task.Invocation) (task.Result, error) {
	up := inv.Upstream
	if up == nil {
		return nil, fault.Permanentf("render_template requires generated sections upstream")
	}
	sections := sectionStrings(up["sections"])

	data := struct {
		Title, IncidentID, Severity, Published string
		Summary, Timeline, RootCause           string
		Impact, Resolution, LessonsLearned     string
	}{
		Title:          stringOr(up["title"], "Untitled Incident"),
		IncidentID:     stringOr(up["incident_id"], ""),
		Severity:       stringOr(up["severity"], "unknown"),
		Published:      d.now().Format(time.RFC3339),
		Summary:        sectionOr(sections, "summary"),
		Timeline:       sectionOr(sections, "timeline"),
		RootCause:      sectionOr(sections, "root_cause"),
		Impact:         sectionOr(sections, "impact"),
		Resolution:     sectionOr(sections, "resolution"),
		LessonsLearned: sectionOr(sections, "lessons_learned"),
	}

	var buf bytes.Buffer
	if err := postmortemTemplate.Execute(&buf, data); err != nil {
		return nil, fault.Permanentf("failed to render postmortem: %v", err)
	}
	return task.Result{
		"document":    buf.String(),
		"incident_id": data.IncidentID,
		"title":       data.Title,
	}, nil
}

// sectionStrings normalizes a sections value, which arrives as
// map[string]string in-process and map[string]any after a JSON hop.
func sectionStrings(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, item := range m {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

func sectionOr(sections map[string]string, name string) string {
	if s := strings.TrimSpace(sections[name]); s != "" {
		return s
	}
	return "_Not available._"
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

// embedInVectorStore indexes the rendered document so future searches
// surface it.
func (d *Deps) embedInVectorStore(ctx context.Context, inv task.Invocation) (task.Result, error) {
	doc, _ := inv.Upstream["document"].(string)
	if doc == "" {
		return nil, fault.Permanentf("no rendered document to embed")
	}
	incidentID := stringOr(inv.Upstream["incident_id"], inv.WorkflowID.String())

	res, err := d.Vectors.Embed(ctx, "postmortem:"+incidentID, doc, map[string]string{
		"kind":        "postmortem",
		"incident_id": incidentID,
	})
	if err != nil {
		return nil, err
	}
	return task.Result{
		"embedding_id": res.EmbeddingID,
		"chunks":       res.Chunks,
	}, nil
}

// notifyStakeholders announces the published postmortem. It is the
// join callback over the publish fan-out, so it reads the joined result
// vector rather than a single upstream.
func (d *Deps) notifyStakeholders(ctx context.Context, inv task.Invocation) (task.Result, error) {
	title := inv.StringArg(0)
	if title == "" {
		title = "incident"
	}
	subject := fmt.Sprintf("Postmortem published: %s", title)

	var parts []string
	for _, joined := range inv.Joined {
		if url, ok := joined["issue_url"].(string); ok && url != "" {
			parts = append(parts, "Issue: "+url)
		}
		if id, ok := joined["embedding_id"].(string); ok && id != "" {
			parts = append(parts, "Indexed as "+id)
		}
		if skipped, ok := joined["skipped"].(bool); ok && skipped {
			if reason, ok := joined["reason"].(string); ok {
				parts = append(parts, "Skipped: "+reason)
			}
		}
	}
	message := "The postmortem has been published."
	if len(parts) > 0 {
		message += " " + strings.Join(parts, ". ") + "."
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
