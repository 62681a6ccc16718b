// Package janitor removes terminal workflow runs after their retention
// window expires.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opspilot/opspilot/clock"
)

// Store is the subset of the state store the janitor needs.
type Store interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor purges completed, failed, and cancelled workflow runs on a
// cron schedule. Running workflows are never touched; the purge keys
// off completed_at.
type Janitor struct {
	store     Store
	retention time.Duration
	schedule  string
	clock     clock.Clock
	logger    *slog.Logger
	cron      *cron.Cron
}

// New creates a janitor that keeps terminal runs for retention and
// sweeps on the given cron schedule.
func New(store Store, retention time.Duration, schedule string, clk clock.Clock, logger *slog.Logger) *Janitor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		retention: retention,
		schedule:  schedule,
		clock:     clk,
		logger:    logger,
	}
}

// Start schedules the purge sweep.
func (j *Janitor) Start() error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(context.Background()); err != nil {
			j.logger.Error("Retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()

	j.logger.Info("Janitor started",
		"schedule", j.schedule,
		"retention", j.retention)
	return nil
}

// Stop stops the schedule and waits for any in-flight sweep.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// Sweep purges runs older than the retention window and returns the
// number removed.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	cutoff := j.clock.Now().Add(-j.retention)
	n, err := j.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("Purged expired workflow runs",
			"removed", n,
			"cutoff", cutoff)
	}
	return n, nil
}
