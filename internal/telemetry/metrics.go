package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/openmwl/worklist-server/sync"

	// WorklistMetricsMeterName is the name used for the worklist metrics meter
	WorklistMetricsMeterName = "github.com/openmwl/worklist-server/worklist"
)

// SyncMetrics holds the OpenTelemetry instruments for sync cycle metrics
type SyncMetrics struct {
	syncDuration  metric.Float64Histogram
	entriesSynced metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"mwl_sync_duration_seconds",
		metric.WithDescription("Duration of sync cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	entriesSynced, err := meter.Int64Counter(
		"mwl_sync_entries_total",
		metric.WithDescription("Number of entries written per sync outcome"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:  syncDuration,
		entriesSynced: entriesSynced,
	}, nil
}

// RecordSyncDuration records the duration of one sync cycle for a source
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, source string, duration time.Duration, success bool) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.Bool("success", success),
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEntries records reconciliation outcomes for a source
func (m *SyncMetrics) RecordEntries(ctx context.Context, source, outcome string, count int64) {
	if m == nil || m.entriesSynced == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}

	m.entriesSynced.Add(ctx, count, metric.WithAttributes(attrs...))
}

// WorklistMetrics holds the OpenTelemetry instruments for worklist store metrics
type WorklistMetrics struct {
	entriesTotal metric.Int64Gauge
}

// NewWorklistMetrics creates a new WorklistMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewWorklistMetrics(provider metric.MeterProvider) (*WorklistMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(WorklistMetricsMeterName)

	entriesTotal, err := meter.Int64Gauge(
		"mwl_worklist_entries_total",
		metric.WithDescription("Number of worklist entries per lifecycle status"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &WorklistMetrics{
		entriesTotal: entriesTotal,
	}, nil
}

// RecordEntriesTotal records the current number of entries in one status
func (m *WorklistMetrics) RecordEntriesTotal(ctx context.Context, status string, count int64) {
	if m == nil || m.entriesTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}

	m.entriesTotal.Record(ctx, count, metric.WithAttributes(attrs...))
}
