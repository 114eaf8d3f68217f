// Package telemetry provides OpenTelemetry instrumentation for the worklist
// server.
package telemetry

import (
	"fmt"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName identifies this service in exported metrics.
const DefaultServiceName = "worklist-server"

// NewMeterProvider creates a MeterProvider backed by the Prometheus exporter,
// registering metrics with the default Prometheus registry so the /metrics
// endpoint can serve them. When enabled is false a no-op provider is
// returned. The caller is responsible for calling Shutdown on the returned
// provider if it is an SDK provider.
func NewMeterProvider(enabled bool, serviceVersion string) (metric.MeterProvider, error) {
	if !enabled {
		return noop.NewMeterProvider(), nil
	}

	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(DefaultServiceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return provider, nil
}
