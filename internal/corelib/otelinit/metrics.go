package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CoreMetrics holds instruments shared across the orchestrator's packages
// (resilience wrapper, run lifecycle) so they are registered once per process.
type CoreMetrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
}

// InitMetrics sets up the global meter provider with two readers: a
// Prometheus pull exporter (returned as an http.Handler for the `/metrics`
// route) and a periodic OTLP push exporter aimed at
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT, else OTEL_EXPORTER_OTLP_ENDPOINT,
// else localhost:4317. The OTLP reader is added whenever the exporter can
// be constructed, whether or not the endpoint is reachable; pushes to an
// unreachable endpoint fail without affecting the Prometheus handler, which
// has no network dependency.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler, m CoreMetrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	promExp, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(promExp))
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	); err != nil {
		slog.Warn("otlp metrics exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "prometheus", promExp != nil, "otlp_endpoint", endpoint)

	return mp.Shutdown, promhttp.Handler(), createCoreInstruments()
}

func createCoreInstruments() CoreMetrics {
	meter := otel.Meter(tracerName)
	retry, _ := meter.Int64Counter("pipelinetool_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("pipelinetool_resilience_circuit_open_total")
	return CoreMetrics{RetryAttempts: retry, CircuitOpenTransitions: circuit}
}
