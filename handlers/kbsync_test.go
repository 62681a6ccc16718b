package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/cache"
	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/fault"
	"github.com/opspilot/opspilot/task"
)

func TestScanDirectory(t *testing.T) {
	td := newTestDeps(t)
	td.files.files = []capability.FileInfo{
		{Path: "db/failover.md", ModTime: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), Size: 120},
		{Path: "net/dns.md", ModTime: time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC), Size: 80},
	}

	res, err := td.deps.scanDirectory(context.Background(), task.Invocation{Args: []any{"/kb"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res["count"])
	assert.Equal(t, "/kb", res["directory"])
	assert.Len(t, res["files"], 2)
}

func TestScanDirectoryFallsBackToConfiguredDir(t *testing.T) {
	td := newTestDeps(t)
	res, err := td.deps.scanDirectory(context.Background(), task.Invocation{})
	require.NoError(t, err)
	assert.Equal(t, td.deps.RunbookDir, res["directory"])
}

func TestDetectChangesPassesFilesThrough(t *testing.T) {
	td := newTestDeps(t)
	td.changes.set = capability.ChangeSet{
		Added:     []string{"new.md"},
		Modified:  []string{"old.md"},
		Deleted:   []string{"gone.md"},
		Unchanged: []string{"same.md"},
	}
	files := []any{map[string]any{"path": "new.md"}}

	res, err := td.deps.detectChanges(context.Background(), task.Invocation{
		Upstream: task.Result{"files": files},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res["total_changes"])
	assert.Equal(t, 1, res["unchanged_count"])
	assert.Equal(t, files, res["files"])
}

func TestDispatchEmbeddingsNoChanges(t *testing.T) {
	td := newTestDeps(t)
	res, err := td.deps.dispatchEmbeddings(context.Background(), task.Invocation{
		WorkflowID: uuid.New(),
		Upstream:   task.Result{"added": []any{}, "modified": []any{}, "deleted": []any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "no_changes", res["status"])
	assert.Equal(t, 0, res["total_changes"])
	assert.Nil(t, td.store.merged, "no workflow data written when nothing changed")
}

func TestDispatchEmbeddingsRecordsChanges(t *testing.T) {
	td := newTestDeps(t)
	files := []any{map[string]any{"path": "new.md"}}
	res, err := td.deps.dispatchEmbeddings(context.Background(), task.Invocation{
		WorkflowID: uuid.New(),
		Upstream: task.Result{
			"added":    []any{"new.md"},
			"modified": []any{},
			"deleted":  []any{"gone.md"},
			"files":    files,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "processing", res["status"])
	assert.Equal(t, 2, res["total_changes"])

	require.NotNil(t, td.store.merged)
	changes := td.store.merged["changes"].(map[string]any)
	assert.Equal(t, []string{"new.md"}, changes["added"])
	assert.Equal(t, []string{"gone.md"}, changes["deleted"])
	assert.Equal(t, files, td.store.merged["files"])
}

func TestRegenerateEmbeddingMarkdown(t *testing.T) {
	td := newTestDeps(t)
	path := filepath.Join(td.deps.RunbookDir, "failover.md")
	require.NoError(t, os.WriteFile(path, []byte("# Failover\n\nPromote the replica."), 0o644))

	res, err := td.deps.regenerateEmbedding(context.Background(), task.Invocation{Args: []any{"failover.md"}})
	require.NoError(t, err)
	assert.Equal(t, "failover.md", res["file_path"])
	assert.Equal(t, "updated", res["status"])
	assert.Contains(t, td.vectors.embeds["failover.md"], "Promote the replica.")
}

func TestRegenerateEmbeddingConvertsHTML(t *testing.T) {
	td := newTestDeps(t)
	path := filepath.Join(td.deps.RunbookDir, "dns.html")
	require.NoError(t, os.WriteFile(path, []byte("<h1>DNS</h1><p>Flush the cache.</p>"), 0o644))

	_, err := td.deps.regenerateEmbedding(context.Background(), task.Invocation{Args: []any{"dns.html"}})
	require.NoError(t, err)
	text := td.vectors.embeds["dns.html"]
	assert.Contains(t, text, "Flush the cache.")
	assert.NotContains(t, text, "<h1>")
}

func TestRegenerateEmbeddingMissingFile(t *testing.T) {
	td := newTestDeps(t)
	_, err := td.deps.regenerateEmbedding(context.Background(), task.Invocation{Args: []any{"nope.md"}})
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
}

func TestBatchUpdateVectorStore(t *testing.T) {
	td := newTestDeps(t)
	files := []any{map[string]any{
		"path":  "new.md",
		"mtime": "2025-05-01T00:00:00Z",
		"size":  float64(120),
	}}

	res, err := td.deps.batchUpdateVectorStore(context.Background(), task.Invocation{
		Args: []any{[]any{"gone.md"}, files},
		Joined: []task.Result{
			{"file_path": "new.md", "status": "updated"},
			{"skipped": true, "reason": "vector store disabled"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res["updated_count"], "skipped regenerations do not count")
	assert.Equal(t, 1, res["deleted_count"])
	assert.Equal(t, "completed", res["status"])

	assert.Equal(t, []string{"gone.md"}, td.vectors.deleted)
	require.Len(t, td.changes.committed, 1)
	assert.Equal(t, "new.md", td.changes.committed[0].Path)
	assert.Equal(t, int64(120), td.changes.committed[0].Size)
}

func TestInvalidateCache(t *testing.T) {
	td := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, td.cache.Set(ctx, cache.RunbookKey("new.md"), []byte("cached"), 0))

	res, err := td.deps.invalidateCache(ctx, task.Invocation{
		Args: []any{[]any{"new.md", "gone.md"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res["invalidated_keys"])
	assert.Equal(t, "cache_invalidated", res["status"])

	_, err = td.cache.Get(ctx, cache.RunbookKey("new.md"))
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestInvalidateCacheNothingToDo(t *testing.T) {
	td := newTestDeps(t)
	res, err := td.deps.invalidateCache(context.Background(), task.Invocation{})
	require.NoError(t, err)
	assert.Equal(t, 0, res["invalidated_keys"])
}
