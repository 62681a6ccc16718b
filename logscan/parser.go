// Package logscan parses service log files into error timelines for
// incident analysis.
package logscan

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/fault"
)

// maxLines bounds how much of a log file one analysis reads.
const maxLines = 10000

// errorLevels are the severities counted as errors.
var errorLevels = map[string]bool{
	"ERROR":    true,
	"CRITICAL": true,
	"FATAL":    true,
}

// errorPatterns are the substrings tallied per error line.
var errorPatterns = []string{
	"error",
	"exception",
	"failed",
	"timeout",
	"unavailable",
	"connection refused",
	"permission denied",
	"not found",
	"500",
	"502",
	"503",
	"504",
}

var (
	// bracketLine matches "[2026-08-24 12:00:00] LEVEL message".
	bracketLine = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:\.\d+)?)\]\s+(\w+)\s+(.+)$`)

	// isoLine matches "2026-08-24T12:00:00Z LEVEL message".
	isoLine = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s+(\w+)\s+(.+)$`)
)

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Parser implements capability.LogParser over local files.
type Parser struct{}

// New returns a Parser.
func New() *Parser { return &Parser{} }

// Parse reads up to maxLines of the file and collects error-level lines
// into a timeline with per-pattern counts. A missing file is a permanent
// failure: retrying will not make it appear.
func (p *Parser) Parse(ctx context.Context, path string) (capability.LogSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return capability.LogSummary{}, fault.Permanentf("log file not found: %s", path)
		}
		return capability.LogSummary{}, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer f.Close()

	summary := capability.LogSummary{Patterns: map[string]int{}}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := 0
	for scanner.Scan() {
		if lines >= maxLines {
			break
		}
		lines++
		if err := ctx.Err(); err != nil {
			return capability.LogSummary{}, err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, ok := parseLine(line)
		if !ok || !errorLevels[entry.Level] {
			continue
		}
		summary.ErrorsFound++
		summary.Timeline = append(summary.Timeline, entry)
		lower := strings.ToLower(entry.Message)
		for _, pat := range errorPatterns {
			if strings.Contains(lower, pat) {
				summary.Patterns[pat]++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return capability.LogSummary{}, fmt.Errorf("failed to read log file %s: %w", path, err)
	}
	return summary, nil
}

func parseLine(line string) (capability.LogEntry, bool) {
	if m := bracketLine.FindStringSubmatch(line); m != nil {
		return capability.LogEntry{
			Timestamp: parseTimestamp(m[1]),
			Level:     strings.ToUpper(m[2]),
			Message:   m[3],
		}, true
	}
	if m := isoLine.FindStringSubmatch(line); m != nil {
		return capability.LogEntry{
			Timestamp: parseTimestamp(m[1]),
			Level:     strings.ToUpper(m[2]),
			Message:   m[3],
		}, true
	}
	return capability.LogEntry{}, false
}

// ExtractSummary condenses a timeline into a short search query: the
// first three error messages joined, capped at 500 characters.
func ExtractSummary(s capability.LogSummary) string {
	if len(s.Timeline) == 0 {
		return ""
	}
	n := len(s.Timeline)
	if n > 3 {
		n = 3
	}
	msgs := make([]string, 0, n)
	for _, e := range s.Timeline[:n] {
		msgs = append(msgs, e.Message)
	}
	out := strings.Join(msgs, "; ")
	if len(out) > 500 {
		out = out[:500]
	}
	return out
}
