package logscan

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/fault"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseBracketFormat(t *testing.T) {
	path := writeLog(t, strings.Join([]string{
		"[2026-08-24 10:00:01] INFO service started",
		"[2026-08-24 10:00:05] ERROR database connection refused",
		"[2026-08-24 10:00:06] ERROR upstream timeout after 30s",
		"[2026-08-24 10:00:07] CRITICAL worker failed with exception",
		"[2026-08-24 10:00:09] WARN retrying",
	}, "\n"))

	sum, err := New().Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.ErrorsFound)
	require.Len(t, sum.Timeline, 3)
	assert.Equal(t, "ERROR", sum.Timeline[0].Level)
	assert.Equal(t, "database connection refused", sum.Timeline[0].Message)
	assert.Equal(t, 1, sum.Patterns["connection refused"])
	assert.Equal(t, 1, sum.Patterns["timeout"])
	assert.Equal(t, 1, sum.Patterns["failed"])
	assert.Equal(t, 1, sum.Patterns["exception"])
}

func TestParseISOFormat(t *testing.T) {
	path := writeLog(t, strings.Join([]string{
		"2026-08-24T10:00:01Z INFO ok",
		"2026-08-24T10:00:02Z ERROR service unavailable (503)",
	}, "\n"))

	sum, err := New().Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ErrorsFound)
	assert.Equal(t, 1, sum.Patterns["unavailable"])
	assert.Equal(t, 1, sum.Patterns["503"])
	assert.False(t, sum.Timeline[0].Timestamp.IsZero())
}

func TestParseMissingFileIsPermanent(t *testing.T) {
	_, err := New().Parse(context.Background(), "/nonexistent/service.log")
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
}

func TestParseIgnoresUnparseableLines(t *testing.T) {
	path := writeLog(t, "random garbage\nERROR but no timestamp\n")
	sum, err := New().Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Zero(t, sum.ErrorsFound)
	assert.Empty(t, sum.Timeline)
}

func TestExtractSummary(t *testing.T) {
	sum := capability.LogSummary{Timeline: []capability.LogEntry{
		{Message: "first"},
		{Message: "second"},
		{Message: "third"},
		{Message: "fourth"},
	}}
	assert.Equal(t, "first; second; third", ExtractSummary(sum))
	assert.Equal(t, "", ExtractSummary(capability.LogSummary{}))

	long := capability.LogSummary{Timeline: []capability.LogEntry{
		{Message: strings.Repeat("x", 600)},
	}}
	assert.Len(t, ExtractSummary(long), 500)
}
