package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/config"
	"github.com/openmwl/worklist-server/internal/sources"
	"github.com/openmwl/worklist-server/internal/telemetry"
)

// Manager owns one scheduler per enabled source. Sources run independently:
// a failing or misconfigured source never takes down its siblings.
type Manager struct {
	schedulers []*Scheduler
	tracker    *Tracker
	logger     *zap.Logger

	wg stdsync.WaitGroup
}

// NewManager instantiates the plugin and scheduler for each enabled source.
// A source whose plugin cannot be constructed fails the whole startup, since
// that points at a config typo rather than a transient condition.
func NewManager(
	cfg *config.Config,
	registry *sources.Registry,
	pool *pgxpool.Pool,
	metrics *telemetry.SyncMetrics,
	logger *zap.Logger,
) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := NewTracker()
	reconciler := NewReconciler(pool, cfg.DefaultProcedureDescription, logger)

	m := &Manager{
		tracker: tracker,
		logger:  logger,
	}

	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if !src.Enabled {
			logger.Info("source disabled, skipping", zap.String("source", src.Name))
			continue
		}

		plugin, err := registry.New(src, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create plugin for source %s: %w", src.Name, err)
		}

		sched := NewScheduler(src, plugin, reconciler, tracker, metrics, logger)
		if pool != nil {
			sched.SetMaintenance(poolMaintenance(pool, logger.With(zap.String("source", src.Name))))
		}
		m.schedulers = append(m.schedulers, sched)
	}

	return m, nil
}

// poolMaintenance pings the database and logs pool statistics, recycling
// idle connections that went stale overnight.
func poolMaintenance(pool *pgxpool.Pool, logger *zap.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		stat := pool.Stat()
		logger.Info("connection pool healthy",
			zap.Int32("total_conns", stat.TotalConns()),
			zap.Int32("idle_conns", stat.IdleConns()),
			zap.Int64("new_conns", stat.NewConnsCount()))
		return nil
	}
}

// Start launches one sync loop goroutine per enabled source.
func (m *Manager) Start(ctx context.Context) {
	for _, s := range m.schedulers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			s.Run(ctx)
		}()
	}
	m.logger.Info("sync manager started", zap.Int("sources", len(m.schedulers)))
}

// Wait blocks until every sync loop has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Tracker exposes per-source sync status for the API layer.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}
