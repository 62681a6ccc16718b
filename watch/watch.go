// Package watch triggers knowledge-base sync workflows when runbook
// files change on disk.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opspilot/opspilot/orchestrator"
	"github.com/opspilot/opspilot/workflow"
)

// Triggerer starts workflows. Satisfied by orchestrator.Orchestrator.
type Triggerer interface {
	Trigger(ctx context.Context, kind workflow.Kind, data map[string]any) (workflow.Workflow, error)
}

// watchedExtensions are the runbook file types that count as changes.
var watchedExtensions = map[string]bool{
	".md":   true,
	".html": true,
	".txt":  true,
}

// Watcher observes a runbook directory and fires a KB_SYNC workflow
// after changes settle. Multiple rapid edits collapse into one sync;
// changes seen while a sync is in flight stay pending and fire on a
// later tick.
type Watcher struct {
	dir      string
	debounce time.Duration
	trigger  Triggerer
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	dirty     bool

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a watcher over dir. debounce is how long changes settle
// before a sync fires.
func New(dir string, debounce time.Duration, trigger Triggerer, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		trigger:  trigger,
		watcher:  fsw,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the runbook directory.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if err := w.addWatchesRecursive(w.dir); err != nil {
		return err
	}

	go w.run(ctx)

	w.logger.Info("Runbook watcher started",
		"dir", w.dir,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

// addWatchesRecursive adds watches to dir and all subdirectories.
func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory",
				"path", path,
				"error", err)
		}
		return nil
	})
}

// run handles fsnotify events with debouncing.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// handleEvent marks the directory dirty when a runbook file changes.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	ext := strings.ToLower(filepath.Ext(event.Name))
	if !watchedExtensions[ext] {
		// New subdirectories need their own watch.
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.logger.Warn("Failed to watch new directory",
						"path", event.Name,
						"error", err)
				}
			}
		}
		return
	}

	w.pendingMu.Lock()
	w.dirty = true
	w.pendingMu.Unlock()

	w.logger.Debug("Runbook change detected",
		"path", event.Name,
		"op", event.Op.String())
}

// flush fires a sync if changes are pending.
func (w *Watcher) flush(ctx context.Context) {
	w.pendingMu.Lock()
	dirty := w.dirty
	w.dirty = false
	w.pendingMu.Unlock()

	if !dirty {
		return
	}

	wf, err := w.trigger.Trigger(ctx, workflow.KindKBSync, map[string]any{
		"runbooks_dir": w.dir,
		"triggered_by": "watcher",
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrLocked) {
			// A sync is already running. Keep the changes pending so
			// the next tick retries instead of dropping them.
			w.pendingMu.Lock()
			w.dirty = true
			w.pendingMu.Unlock()
			w.logger.Debug("Sync already in progress, deferring")
			return
		}
		w.logger.Error("Failed to trigger sync", "error", err)
		return
	}

	w.logger.Info("Triggered knowledge-base sync",
		"workflow_id", wf.ID,
		"dir", w.dir)
}
