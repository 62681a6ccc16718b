package fsscan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/fault"
)

func seedDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func TestScanMatchesPatternsRecursively(t *testing.T) {
	dir := seedDir(t, map[string]string{
		"db/failover.md":  "# failover",
		"net/dns.html":    "<h1>dns</h1>",
		"notes.txt":       "not a runbook",
		"deep/a/b/c.md":   "# deep",
		"README.markdown": "# readme",
	})

	files, err := New().Scan(context.Background(), dir, nil)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"README.markdown", "db/failover.md", "deep/a/b/c.md", "net/dns.html"}, paths)
	for _, f := range files {
		assert.Positive(t, f.Size)
		assert.False(t, f.ModTime.IsZero())
	}
}

func TestScanMissingDirIsPermanent(t *testing.T) {
	_, err := New().Scan(context.Background(), "/does/not/exist", nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
}

func TestScanEmptyDir(t *testing.T) {
	files, err := New().Scan(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestScanCustomPattern(t *testing.T) {
	dir := seedDir(t, map[string]string{"a.md": "x", "b.rst": "y"})
	files, err := New().Scan(context.Background(), dir, []string{"**/*.rst"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "b.rst", files[0].Path)
}
