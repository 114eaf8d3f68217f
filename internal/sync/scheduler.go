package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/config"
	"github.com/openmwl/worklist-server/internal/sources"
	"github.com/openmwl/worklist-server/internal/telemetry"
	"github.com/openmwl/worklist-server/internal/worklist"
)

// overlapMargin is added to the fetch lookback so consecutive cycles cover
// overlapping remote intervals. Entries seen twice are deduplicated by the
// reconciler, entries landing exactly on a cycle boundary are not lost.
const overlapMargin = 5 * time.Minute

// batchReconciler is satisfied by *Reconciler.
type batchReconciler interface {
	Reconcile(ctx context.Context, entries []worklist.Entry) (Result, error)
}

// Scheduler runs the sync loop for a single source: wait for the operational
// window, fetch from the plugin, reconcile into the store, sleep, repeat.
// Failed cycles are logged and retried on the next tick; they never stop the
// loop.
type Scheduler struct {
	source     *config.SourceConfig
	plugin     sources.Plugin
	reconciler batchReconciler
	tracker    *Tracker
	metrics    *telemetry.SyncMetrics
	logger     *zap.Logger

	// now is the clock, replaceable in tests.
	now func() time.Time

	// lastSyncDate is the calendar day (2006-01-02, local) of the last
	// completed cycle. A date change widens the next fetch to cover the
	// overnight gap between yesterday's close and today's open.
	lastSyncDate string

	// maintenance runs at most once per calendar day while the source is
	// outside its operational window. Optional.
	maintenance   func(ctx context.Context) error
	lastMaintDate string
}

// NewScheduler creates the sync loop for one configured source.
func NewScheduler(
	src *config.SourceConfig,
	plugin sources.Plugin,
	reconciler batchReconciler,
	tracker *Tracker,
	metrics *telemetry.SyncMetrics,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		source:     src,
		plugin:     plugin,
		reconciler: reconciler,
		tracker:    tracker,
		metrics:    metrics,
		logger:     logger.With(zap.String("source", src.Name)),
		now:        time.Now,
	}
}

// Run executes the sync loop until the context is cancelled. A configuration
// error detected up front stops this source only.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.plugin.ValidateConfig(); err != nil {
		s.logger.Error("source configuration invalid, not starting sync loop", zap.Error(err))
		s.tracker.SetPhase(s.source.Name, PhaseStopped, fmt.Sprintf("configuration invalid: %v", err))
		return
	}

	s.logger.Info("starting sync loop",
		zap.Duration("interval", s.source.SyncInterval()),
		zap.Bool("incremental", s.plugin.SupportsIncrementalSync()))

	for {
		now := s.now()
		if !s.source.OperationInterval.Contains(now) {
			s.runMaintenance(ctx, now)
			wait := s.untilNextOpen(now)
			s.tracker.SetPhase(s.source.Name, PhaseWaiting,
				fmt.Sprintf("outside operational window, next open in %s", wait.Round(time.Second)))
			if !s.sleep(ctx, wait) {
				break
			}
			continue
		}

		s.runCycle(ctx)

		if !s.sleep(ctx, s.source.SyncInterval()) {
			break
		}
	}

	s.tracker.SetPhase(s.source.Name, PhaseStopped, "shutting down")
	s.plugin.Cleanup()
}

// SetMaintenance installs an off-hours maintenance pass, run at most once
// per calendar day while the operational window is closed.
func (s *Scheduler) SetMaintenance(fn func(ctx context.Context) error) {
	s.maintenance = fn
}

func (s *Scheduler) runMaintenance(ctx context.Context, now time.Time) {
	today := now.Format(time.DateOnly)
	if s.maintenance == nil || s.lastMaintDate == today {
		return
	}
	s.lastMaintDate = today

	if err := s.maintenance(ctx); err != nil {
		s.logger.Warn("off-hours maintenance failed", zap.Error(err))
		return
	}
	s.logger.Debug("off-hours maintenance complete")
}

// runCycle performs one fetch and reconcile pass.
func (s *Scheduler) runCycle(ctx context.Context) {
	started := s.now()
	s.tracker.RecordAttempt(s.source.Name, started)

	s.tracker.SetPhase(s.source.Name, PhaseFetching, "fetching entries")
	entries, err := s.plugin.FetchEntries(ctx, s.fetchInterval(started))
	if err != nil {
		s.logger.Error("fetch failed", zap.Error(err))
		s.tracker.SetPhase(s.source.Name, PhaseWaiting, fmt.Sprintf("fetch failed: %v", err))
		s.metrics.RecordSyncDuration(ctx, s.source.Name, s.now().Sub(started), false)
		return
	}

	s.tracker.SetPhase(s.source.Name, PhaseReconciling, fmt.Sprintf("reconciling %d entries", len(entries)))
	res, err := s.reconciler.Reconcile(ctx, entries)
	if err != nil {
		s.logger.Error("reconcile failed", zap.Error(err))
		s.tracker.SetPhase(s.source.Name, PhaseWaiting, fmt.Sprintf("reconcile failed: %v", err))
		s.metrics.RecordSyncDuration(ctx, s.source.Name, s.now().Sub(started), false)
		return
	}

	finished := s.now()
	s.lastSyncDate = finished.Format(time.DateOnly)
	s.tracker.RecordSuccess(s.source.Name, finished, res)
	s.tracker.SetPhase(s.source.Name, PhaseWaiting, "sync complete")

	s.metrics.RecordSyncDuration(ctx, s.source.Name, finished.Sub(started), true)
	s.metrics.RecordEntries(ctx, s.source.Name, "inserted", int64(res.Inserted))
	s.metrics.RecordEntries(ctx, s.source.Name, "updated", int64(res.Updated))
	s.metrics.RecordEntries(ctx, s.source.Name, "skipped", int64(res.Skipped))
	s.metrics.RecordEntries(ctx, s.source.Name, "dropped", int64(res.Dropped))

	s.logger.Info("sync cycle complete",
		zap.Int("fetched", len(entries)),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("dropped", res.Dropped),
		zap.Duration("duration", finished.Sub(started)))
}

// fetchInterval computes the lookback for this cycle. Normally it is the
// sync interval plus a small overlap. On the first cycle of a new calendar
// day it is widened to span from yesterday's window close to today's open,
// so bookings changed overnight are picked up.
func (s *Scheduler) fetchInterval(now time.Time) time.Duration {
	base := s.source.SyncInterval() + overlapMargin

	if s.lastSyncDate == "" || s.lastSyncDate == now.Format(time.DateOnly) {
		return base
	}

	yesterday := now.AddDate(0, 0, -1)
	gap := s.source.OperationInterval.OpenAt(now).Sub(s.source.OperationInterval.CloseAt(yesterday))
	if gap > base {
		return gap
	}
	return base
}

// untilNextOpen returns the wait until the window next opens, today or
// tomorrow.
func (s *Scheduler) untilNextOpen(now time.Time) time.Duration {
	open := s.source.OperationInterval.OpenAt(now)
	if now.Before(open) {
		return open.Sub(now)
	}
	return s.source.OperationInterval.OpenAt(now.AddDate(0, 0, 1)).Sub(now)
}

// sleep blocks for d or until the context is cancelled, reporting whether
// the loop should continue.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
