package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/api"
	"github.com/openmwl/worklist-server/internal/config"
	"github.com/openmwl/worklist-server/internal/sources"
	"github.com/openmwl/worklist-server/internal/store"
	sourcesync "github.com/openmwl/worklist-server/internal/sync"
	"github.com/openmwl/worklist-server/internal/telemetry"
	"github.com/openmwl/worklist-server/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worklist server",
	Long: `Start the worklist server: one sync loop per configured source plus
the REST API for worklist access.

The server requires a configuration file (--config) that specifies:
- The worklist database connection
- One block per scheduling source (type, sync interval, operational window,
  field mapping)

Credentials are read from the process environment, never from the file.
See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	serveCmd.Flags().Bool("metrics", true, "Expose Prometheus metrics at /metrics")

	for _, flag := range []string{"address", "config", "metrics"} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", flag, err))
		}
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(fmt.Sprintf("failed to mark config flag as required: %v", err))
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")
	metricsEnabled := viper.GetBool("metrics")

	log.Info("starting worklist server", zap.String("address", address))

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Info("loaded configuration",
		zap.String("path", configPath),
		zap.Int("sources", len(cfg.EnabledSources())))

	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	pool, err := store.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	meterProvider, err := telemetry.NewMeterProvider(metricsEnabled, versions.GetVersionInfo().Version)
	if err != nil {
		return fmt.Errorf("failed to create meter provider: %w", err)
	}
	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	manager, err := sourcesync.NewManager(cfg, sources.NewDefaultRegistry(), pool, syncMetrics, log)
	if err != nil {
		return fmt.Errorf("failed to create sync manager: %w", err)
	}

	worklistMetrics, err := telemetry.NewWorklistMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create worklist metrics: %w", err)
	}

	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	manager.Start(syncCtx)

	go reportWorklistGauges(syncCtx, store.New(pool), worklistMetrics, log)

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(
			middleware.RealIP,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware(log),
		),
		api.WithReadinessChecker(pool.Ping),
	}
	if metricsEnabled {
		serverOpts = append(serverOpts, api.WithMetricsHandler(promhttp.Handler()))
	}

	router := api.NewServer(store.NewGuarded(pool, log), manager.Tracker(), log, serverOpts...)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		log.Info("server listening", zap.String("address", address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	syncCancel()
	manager.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	log.Info("server shutdown complete")
	return nil
}

// reportWorklistGauges refreshes the per-status entry count gauge once a
// minute until the context is cancelled.
func reportWorklistGauges(ctx context.Context, queries *store.Queries, metrics *telemetry.WorklistMetrics, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		counts, err := queries.CountEntriesByStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to count worklist entries", zap.Error(err))
		}
		for status, count := range counts {
			metrics.RecordEntriesTotal(ctx, string(status), count)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
