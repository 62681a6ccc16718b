package handlers

import (
	"fmt"

	"github.com/opspilot/opspilot/dag"
)

// ComposeIncidentResponse builds the incident response graph from the
// trigger payload. The log analysis node is elided when no log file was
// supplied.
func ComposeIncidentResponse(data map[string]any) dag.Element {
	title, _ := data["title"].(string)
	description, _ := data["description"].(string)
	severity, _ := data["severity"].(string)
	logPath, _ := data["log_file_path"].(string)

	return dag.Sequence(
		dag.Task("create_incident_record", title, description, severity),
		dag.Optional(logPath != "", dag.Task("analyze_logs_async", logPath)),
		dag.Task("search_related_runbooks", title),
		dag.Task("create_github_issue", title, description, severity),
		dag.Task("send_notification", title, severity),
	)
}

// ComposePostmortem builds the postmortem publish graph: generate and
// render, then file the issue and index the document in parallel, then
// announce once both land.
func ComposePostmortem(data map[string]any) dag.Element {
	incidentID, _ := data["incident_id"].(string)
	title, _ := data["title"].(string)

	return dag.Sequence(
		dag.Task("generate_postmortem_sections", incidentID),
		dag.Task("render_template"),
		dag.Chord(
			dag.Task("notify_stakeholders", title),
			dag.Task("create_github_issue", "Postmortem: "+title, "", ""),
			dag.Task("embed_in_vector_store"),
		),
	)
}

// ComposeKBSync builds the knowledge-base sync graph. The first build
// stops at dispatch_embeddings; once that step has recorded the change
// set on the run, rebuilding extends the graph with one regeneration
// node per added or modified file and the update tail. Deletions alone
// still produce the tail, as an empty chord whose callback runs
// immediately.
func ComposeKBSync(data map[string]any) dag.Element {
	dir, _ := data["runbooks_dir"].(string)
	base := []dag.Element{
		dag.Task("scan_directory", dir),
		dag.Task("detect_changes"),
		dag.Task("dispatch_embeddings"),
	}

	changes, ok := data["changes"].(map[string]any)
	if !ok {
		return dag.Sequence(base...)
	}
	added := anyStrings(changes["added"])
	modified := anyStrings(changes["modified"])
	deleted := anyStrings(changes["deleted"])

	regen := make([]dag.Element, 0, len(added)+len(modified))
	for _, path := range added {
		regen = append(regen, regenNode(len(regen)+1, path))
	}
	for _, path := range modified {
		regen = append(regen, regenNode(len(regen)+1, path))
	}

	var invalidated []string
	invalidated = append(invalidated, added...)
	invalidated = append(invalidated, modified...)
	invalidated = append(invalidated, deleted...)

	tail := dag.Sequence(
		dag.Chord(
			dag.Task("batch_update_vector_store", deleted, data["files"]),
			regen...,
		),
		dag.Task("invalidate_cache", invalidated),
	)
	return dag.Sequence(append(base, tail)...)
}

// regenNode names per-file regenerations by position so reruns of the
// composition produce identical step names.
func regenNode(i int, path string) dag.Element {
	return dag.NamedTask(fmt.Sprintf("regenerate_embedding_%d", i), "regenerate_embedding", path)
}
