// Package telemetry wires OpenTelemetry metrics and tracing for the sync
// engine. Metrics are exposed through a Prometheus scrape handler when
// enabled and are no-ops otherwise.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// TracerName is the instrumentation scope of engine spans.
const TracerName = "github.com/kimhsiao/fieldsync/sync"

// Telemetry owns the meter provider and its scrape handler.
type Telemetry struct {
	meterProvider metric.MeterProvider
	handler       http.Handler
	shutdown      func(context.Context) error
}

// New builds Telemetry. With enabled false every instrument is a no-op and
// Handler returns nil.
func New(enabled bool) (*Telemetry, error) {
	if !enabled {
		logging.Debug("Metrics disabled, using no-op meter provider", nil)
		return &Telemetry{
			meterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return &Telemetry{
		meterProvider: mp,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown:      mp.Shutdown,
	}, nil
}

// MeterProvider returns the configured provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Handler returns the Prometheus scrape handler, or nil when disabled.
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

// Shutdown flushes and releases the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

// Tracer returns the engine tracer from tp, or from the global provider when
// tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(TracerName)
}
