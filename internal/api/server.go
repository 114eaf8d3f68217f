// Package api provides the REST API server for worklist access.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	v1 "github.com/openmwl/worklist-server/internal/api/v1"
	"github.com/openmwl/worklist-server/internal/sync"
	"github.com/openmwl/worklist-server/internal/versions"
)

// ReadinessChecker reports whether the server's dependencies can serve
// requests. Typically backed by a database ping.
type ReadinessChecker func(ctx context.Context) error

// ServerOption configures the worklist API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
	readiness      ReadinessChecker
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler mounts a metrics scrape endpoint at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// WithReadinessChecker installs the dependency check behind /readiness
func WithReadinessChecker(check ReadinessChecker) ServerOption {
	return func(cfg *serverConfig) {
		cfg.readiness = check
	}
}

// NewServer creates and configures the HTTP router with the given store,
// sync tracker, and options
func NewServer(store v1.WorklistStore, tracker *sync.Tracker, logger *zap.Logger, opts ...ServerOption) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", healthRouter(cfg.readiness, logger))

	if cfg.metricsHandler != nil {
		r.Handle("/metrics", cfg.metricsHandler)
	}

	r.Mount("/api/v1", v1.Router(store, tracker, logger))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// healthRouter creates a router for health check endpoints
func healthRouter(readiness ReadinessChecker, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(readiness, logger))
	r.Get("/version", versionHandler(logger))

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler handles readiness check requests
func readinessHandler(readiness ReadinessChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if readiness != nil {
			if err := readiness(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				resp := map[string]string{"error": "server not ready: " + err.Error()}
				if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
					logger.Error("failed to encode readiness error response", zap.Error(encodeErr))
				}
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// versionHandler handles version information requests
func versionHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		info := versions.GetVersionInfo()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(VersionResponse{
			Version:   info.Version,
			Commit:    info.Commit,
			BuildDate: info.BuildDate,
			GoVersion: info.GoVersion,
			Platform:  info.Platform,
		}); err != nil {
			logger.Error("failed to encode version info", zap.Error(err))
		}
	}
}
