package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/dag"
	"github.com/opspilot/opspilot/task"
)

func testRegistry(t *testing.T) *task.Registry {
	t.Helper()
	reg := task.NewRegistry()
	Register(reg, newTestDeps(t).deps)
	return reg
}

func nodeNames(g *dag.Graph) []string {
	var out []string
	for _, n := range g.Nodes() {
		out = append(out, n.Name)
	}
	return out
}

func TestComposeIncidentResponseWithLogs(t *testing.T) {
	g, err := dag.Build(ComposeIncidentResponse(map[string]any{
		"title":         "db outage",
		"description":   "primary down",
		"severity":      "high",
		"log_file_path": "/var/log/app.log",
	}), testRegistry(t))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"create_incident_record",
		"analyze_logs_async",
		"search_related_runbooks",
		"create_github_issue",
		"send_notification",
	}, nodeNames(g))

	logs, _ := g.Node("analyze_logs_async")
	assert.Equal(t, []any{"/var/log/app.log"}, logs.Args)
}

func TestComposeIncidentResponseElidesLogAnalysis(t *testing.T) {
	g, err := dag.Build(ComposeIncidentResponse(map[string]any{
		"title":    "db outage",
		"severity": "high",
	}), testRegistry(t))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"create_incident_record",
		"search_related_runbooks",
		"create_github_issue",
		"send_notification",
	}, nodeNames(g))

	search, _ := g.Node("search_related_runbooks")
	assert.Equal(t, []string{"create_incident_record"}, search.Upstream)
}

func TestComposePostmortem(t *testing.T) {
	g, err := dag.Build(ComposePostmortem(map[string]any{
		"incident_id": "abc",
		"title":       "db outage",
	}), testRegistry(t))
	require.NoError(t, err)
	require.Equal(t, 5, g.Len())

	issue, _ := g.Node("create_github_issue")
	embed, _ := g.Node("embed_in_vector_store")
	assert.Equal(t, []string{"render_template"}, issue.Upstream)
	assert.Equal(t, []string{"render_template"}, embed.Upstream)

	notify, _ := g.Node("notify_stakeholders")
	assert.Equal(t, []string{"create_github_issue", "embed_in_vector_store"}, notify.JoinOf)
}

func TestComposeKBSyncBeforeDispatch(t *testing.T) {
	g, err := dag.Build(ComposeKBSync(map[string]any{
		"runbooks_dir": "/kb",
	}), testRegistry(t))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"scan_directory",
		"detect_changes",
		"dispatch_embeddings",
	}, nodeNames(g))
}

func TestComposeKBSyncExtendsWithChanges(t *testing.T) {
	data := map[string]any{
		"runbooks_dir": "/kb",
		"changes": map[string]any{
			"added":    []any{"new.md"},
			"modified": []any{"old.md"},
			"deleted":  []any{"gone.md"},
		},
		"files": []any{map[string]any{"path": "new.md"}},
	}

	g, err := dag.Build(ComposeKBSync(data), testRegistry(t))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"scan_directory",
		"detect_changes",
		"dispatch_embeddings",
		"regenerate_embedding_1",
		"regenerate_embedding_2",
		"batch_update_vector_store",
		"invalidate_cache",
	}, nodeNames(g))

	r1, _ := g.Node("regenerate_embedding_1")
	assert.Equal(t, []any{"new.md"}, r1.Args, "added files regenerate before modified")

	batch, _ := g.Node("batch_update_vector_store")
	assert.Equal(t, []string{"regenerate_embedding_1", "regenerate_embedding_2"}, batch.JoinOf)

	inval, _ := g.Node("invalidate_cache")
	assert.Equal(t, []string{"batch_update_vector_store"}, inval.Upstream)
	assert.Equal(t, []any{[]string{"new.md", "old.md", "gone.md"}}, inval.Args)

	// Rebuilding from the same data yields the same names and order, so
	// advancing a run mid-flight never renames steps.
	again, err := dag.Build(ComposeKBSync(data), testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, nodeNames(g), nodeNames(again))
}

func TestComposeKBSyncDeleteOnly(t *testing.T) {
	g, err := dag.Build(ComposeKBSync(map[string]any{
		"runbooks_dir": "/kb",
		"changes": map[string]any{
			"added":    []any{},
			"modified": []any{},
			"deleted":  []any{"gone.md"},
		},
	}), testRegistry(t))
	require.NoError(t, err)

	batch, _ := g.Node("batch_update_vector_store")
	require.NotNil(t, batch.JoinOf, "delete-only syncs run the tail as an empty chord")
	assert.Empty(t, batch.JoinOf)
	assert.Equal(t, []string{"dispatch_embeddings"}, batch.Upstream)
}
