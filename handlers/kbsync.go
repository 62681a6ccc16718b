package handlers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/opspilot/opspilot/cache"
	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/fault"
	"github.com/opspilot/opspilot/task"
)

// scanDirectory enumerates knowledge-base files. Args: directory,
// optional glob patterns.
func (d *Deps) scanDirectory(ctx context.Context, inv task.Invocation) (task.Result, error) {
	dir := inv.StringArg(0)
	if dir == "" {
		dir = d.RunbookDir
	}
	if dir == "" {
		return nil, fault.Permanentf("scan directory is required")
	}

	files, err := d.Files.Scan(ctx, dir, inv.StringsArg(1))
	if err != nil {
		return nil, err
	}
	return task.Result{
		"files":     fileMaps(files),
		"count":     len(files),
		"directory": dir,
	}, nil
}

// detectChanges diffs the scan against the last committed sync state.
// The file list is passed through so the fan-out can commit it later.
func (d *Deps) detectChanges(ctx context.Context, inv task.Invocation) (task.Result, error) {
	files := fileInfos(inv.Upstream["files"])
	changes, err := d.Changes.Detect(ctx, files)
	if err != nil {
		return nil, err
	}
	return task.Result{
		"added":           changes.Added,
		"modified":        changes.Modified,
		"deleted":         changes.Deleted,
		"unchanged_count": len(changes.Unchanged),
		"total_changes":   changes.Total(),
		"files":           inv.Upstream["files"],
	}, nil
}

// dispatchEmbeddings records the detected changes on the run so the
// composition can extend the graph with per-file regeneration steps.
// With nothing to do the run finishes here.
func (d *Deps) dispatchEmbeddings(ctx context.Context, inv task.Invocation) (task.Result, error) {
	changes := changeSet(inv.Upstream)
	total := changes.Total()
	if total == 0 {
		return task.Result{
			"status":        "no_changes",
			"total_changes": 0,
		}, nil
	}

	patch := map[string]any{
		"changes": map[string]any{
			"added":    changes.Added,
			"modified": changes.Modified,
			"deleted":  changes.Deleted,
		},
		"files": inv.Upstream["files"],
	}
	if _, err := d.Store.MergeWorkflowData(ctx, inv.WorkflowID, patch); err != nil {
		return nil, err
	}
	return task.Result{
		"status":        "processing",
		"total_changes": total,
	}, nil
}

// regenerateEmbedding re-indexes one changed runbook. Args: relative
// file path. HTML runbooks are converted to markdown before chunking.
func (d *Deps) regenerateEmbedding(ctx context.Context, inv task.Invocation) (task.Result, error) {
	path := inv.StringArg(0)
	if path == "" {
		return nil, fault.Permanentf("file path is required")
	}

	raw, err := os.ReadFile(filepath.Join(d.RunbookDir, filepath.FromSlash(path)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Permanentf("runbook not found: %s", path)
		}
		return nil, fault.Transientf("failed to read runbook %s: %v", path, err)
	}

	text := string(raw)
	if strings.EqualFold(filepath.Ext(path), ".html") {
		converted, err := md.NewConverter("", true, nil).ConvertString(text)
		if err != nil {
			return nil, fault.Permanentf("failed to convert %s to markdown: %v", path, err)
		}
		text = converted
	}

	res, err := d.Vectors.Embed(ctx, path, text, map[string]string{
		"kind": "runbook",
		"path": path,
	})
	if err != nil {
		return nil, err
	}
	return task.Result{
		"file_path":    path,
		"embedding_id": res.EmbeddingID,
		"chunks":       res.Chunks,
		"status":       "updated",
	}, nil
}

// batchUpdateVectorStore is the join callback over the per-file
// regenerations. It removes deleted documents and commits the scan as
// the new sync baseline. Args: deleted paths, scanned files.
func (d *Deps) batchUpdateVectorStore(ctx context.Context, inv task.Invocation) (task.Result, error) {
	deleted := inv.StringsArg(0)

	deletedCount := 0
	if len(deleted) > 0 {
		n, err := d.Vectors.Delete(ctx, deleted)
		if err != nil {
			return nil, err
		}
		deletedCount = n
	}

	updated := 0
	for _, joined := range inv.Joined {
		if status, ok := joined["status"].(string); ok && status == "updated" {
			updated++
		}
	}

	var filesArg any
	if len(inv.Args) > 1 {
		filesArg = inv.Args[1]
	}
	if err := d.Changes.Commit(ctx, fileInfos(filesArg)); err != nil {
		return nil, err
	}
	return task.Result{
		"updated_count": updated,
		"deleted_count": deletedCount,
		"status":        "completed",
	}, nil
}

// invalidateCache drops cached copies of every changed runbook.
// Args: changed paths.
func (d *Deps) invalidateCache(ctx context.Context, inv task.Invocation) (task.Result, error) {
	paths := inv.StringsArg(0)
	if len(paths) == 0 {
		return task.Result{
			"invalidated_keys": 0,
			"status":           "cache_invalidated",
		}, nil
	}

	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		keys = append(keys, cache.RunbookKey(p))
	}
	if err := d.Cache.Delete(ctx, keys...); err != nil {
		return nil, fault.Transientf("failed to invalidate cache: %v", err)
	}
	return task.Result{
		"invalidated_keys": len(keys),
		"status":           "cache_invalidated",
	}, nil
}

// fileMaps serializes scan results for a result summary.
func fileMaps(files []capability.FileInfo) []map[string]any {
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]any{
			"path":  f.Path,
			"mtime": f.ModTime.Format(time.RFC3339Nano),
			"size":  f.Size,
		})
	}
	return out
}

// fileInfos rebuilds scan results from a result summary, which arrives
// as []map[string]any in-process and []any after a JSON hop.
func fileInfos(v any) []capability.FileInfo {
	var items []map[string]any
	switch list := v.(type) {
	case []map[string]any:
		items = list
	case []any:
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				items = append(items, m)
			}
		}
	default:
		return nil
	}

	out := make([]capability.FileInfo, 0, len(items))
	for _, m := range items {
		fi := capability.FileInfo{}
		if s, ok := m["path"].(string); ok {
			fi.Path = s
		}
		if s, ok := m["mtime"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				fi.ModTime = t
			}
		}
		switch size := m["size"].(type) {
		case int64:
			fi.Size = size
		case float64:
			fi.Size = int64(size)
		case int:
			fi.Size = int64(size)
		}
		out = append(out, fi)
	}
	return out
}

// changeSet rebuilds a change set from an upstream result summary.
func changeSet(up task.Result) capability.ChangeSet {
	if up == nil {
		return capability.ChangeSet{}
	}
	return capability.ChangeSet{
		Added:    anyStrings(up["added"]),
		Modified: anyStrings(up["modified"]),
		Deleted:  anyStrings(up["deleted"]),
	}
}

// anyStrings accepts []string or a JSON-decoded []any of strings.
func anyStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
