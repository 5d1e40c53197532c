package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds instruments shared by the HTTP and NATS surfaces.
type Metrics struct {
	Requests    metric.Int64Counter
	RateLimited metric.Int64Counter
	Errors      metric.Int64Counter
}

// InitMetrics installs a global meter provider with a Prometheus pull reader
// and, when an OTLP endpoint is configured, a periodic OTLP push reader. The
// returned handler serves the Prometheus registry.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	registry := prometheus.NewRegistry()
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	promExp, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(promExp))
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint != "" {
		ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		exp, err := otlpmetricgrpc.New(ctxInit,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		if err != nil {
			slog.Warn("otlp metrics exporter init failed", "error", err)
		} else {
			opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
		}
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "otlp_endpoint", endpoint)
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return mp.Shutdown, handler, createCommonInstruments(service)
}

func createCommonInstruments(service string) Metrics {
	meter := otel.Meter(service)
	req, _ := meter.Int64Counter("swarm_requests_total")
	limited, _ := meter.Int64Counter("swarm_rate_limited_total")
	errs, _ := meter.Int64Counter("swarm_request_errors_total")
	return Metrics{Requests: req, RateLimited: limited, Errors: errs}
}
