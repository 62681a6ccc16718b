// Package capability defines the narrow interfaces task handlers depend
// on. Handlers accept these interfaces; concrete adapters live in their
// own packages and are wired at startup.
package capability

import (
	"context"
	"time"
)

// LLM generates text completions.
type LLM interface {
	// Complete returns the model's response to prompt under the given
	// system instruction.
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Issue is a created code-host issue.
type Issue struct {
	URL    string `json:"issue_url"`
	Number int    `json:"issue_number"`
}

// CodeHost files issues against a repository. A disabled integration
// returns a fault.Disabled error from CreateIssue; callers record a
// first-class skip rather than a failure.
type CodeHost interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (Issue, error)
}

// Delivery reports where a notification landed.
type Delivery struct {
	SentTo []string `json:"sent_to"`
	Failed []string `json:"failed,omitempty"`
	Status string   `json:"status"` // success, partial, or failed
}

// Notifier fans a message out to configured channels. It fails only
// when every channel fails.
type Notifier interface {
	Notify(ctx context.Context, subject, message string) (Delivery, error)
}

// EmbedResult reports one stored document embedding.
type EmbedResult struct {
	EmbeddingID string `json:"embedding_id"`
	Chunks      int    `json:"chunks"`
}

// SearchHit is one vector search match.
type SearchHit struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VectorStore indexes documents for similarity search.
type VectorStore interface {
	Embed(ctx context.Context, docID, text string, meta map[string]string) (EmbedResult, error)
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
	Delete(ctx context.Context, docIDs []string) (int, error)
}

// LogEntry is one parsed log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// LogSummary is the outcome of analyzing a log file.
type LogSummary struct {
	ErrorsFound int            `json:"errors_found"`
	Timeline    []LogEntry     `json:"timeline"`
	Patterns    map[string]int `json:"patterns"`
}

// LogParser extracts error timelines from log files.
type LogParser interface {
	Parse(ctx context.Context, path string) (LogSummary, error)
}

// FileInfo identifies one scanned file by path and change fingerprint.
type FileInfo struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mtime"`
	Size    int64     `json:"size"`
}

// FileScanner enumerates knowledge-base files under a directory.
type FileScanner interface {
	Scan(ctx context.Context, dir string, patterns []string) ([]FileInfo, error)
}

// ChangeSet partitions a scan against the last committed state.
type ChangeSet struct {
	Added     []string `json:"added"`
	Modified  []string `json:"modified"`
	Deleted   []string `json:"deleted"`
	Unchanged []string `json:"unchanged"`
}

// Total returns the number of added, modified, and deleted files.
func (c ChangeSet) Total() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted)
}

// ChangeTracker diffs scans against durable state. Commit persists the
// new state only after a sync lands, so a failed sync re-detects the
// same changes.
type ChangeTracker interface {
	Detect(ctx context.Context, current []FileInfo) (ChangeSet, error)
	Commit(ctx context.Context, current []FileInfo) error
}
