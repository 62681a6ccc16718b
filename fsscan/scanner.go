// Package fsscan enumerates knowledge-base files with glob patterns.
package fsscan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/fault"
)

// DefaultPatterns matches the runbook formats the sync understands.
var DefaultPatterns = []string{"**/*.md", "**/*.markdown", "**/*.html"}

// Scanner implements capability.FileScanner over the local filesystem.
type Scanner struct{}

// New returns a Scanner.
func New() *Scanner { return &Scanner{} }

// Scan returns every file under dir matching any pattern, sorted by
// path. Paths are relative to dir. A missing directory is a permanent
// failure surfaced to the trigger as a bad request.
func (s *Scanner) Scan(ctx context.Context, dir string, patterns []string) ([]capability.FileInfo, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Permanentf("directory not found: %s", dir)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fault.Permanentf("not a directory: %s", dir)
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	fsys := os.DirFS(dir)
	seen := make(map[string]bool)
	var out []capability.FileInfo
	for _, pattern := range patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("bad glob pattern %q: %w", pattern, err)
		}
		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			fi, err := fs.Stat(fsys, rel)
			if err != nil || fi.IsDir() {
				continue
			}
			seen[rel] = true
			out = append(out, capability.FileInfo{
				Path:    rel,
				ModTime: fi.ModTime().UTC(),
				Size:    fi.Size(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
