package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry owns the SDK meter and tracer providers installed by [Setup].
type Telemetry struct {
	// Gatherer serves the metrics registered through the Prometheus
	// exporter. Pass it to promhttp.HandlerFor.
	Gatherer prometheus.Gatherer

	mp *sdkmetric.MeterProvider
	tp *sdktrace.TracerProvider
}

type setupOptions struct {
	version  string
	spans    sdktrace.SpanExporter
	registry *prometheus.Registry
}

// SetupOption configures [Setup].
type SetupOption func(*setupOptions)

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) SetupOption {
	return func(o *setupOptions) { o.version = v }
}

// WithSpanExporter batches finished call spans to exp. Without it spans are
// recorded for log correlation and then dropped.
func WithSpanExporter(exp sdktrace.SpanExporter) SetupOption {
	return func(o *setupOptions) { o.spans = exp }
}

// WithRegistry registers the exported metrics on reg instead of a fresh
// registry.
func WithRegistry(reg *prometheus.Registry) SetupOption {
	return func(o *setupOptions) { o.registry = reg }
}

// Setup installs global OpenTelemetry providers for the bridge: metrics
// exported through Prometheus, call spans, and W3C trace-context
// propagation. The caller must call [Telemetry.Shutdown].
func Setup(ctx context.Context, opts ...SetupOption) (*Telemetry, error) {
	var o setupOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	// Schemaless so the merge never conflicts with the SDK's own schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("callbridge"),
		semconv.ServiceVersion(o.version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	exp, err := promexporter.New(promexporter.WithRegisterer(o.registry))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if o.spans != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(o.spans))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Telemetry{Gatherer: o.registry, mp: mp, tp: tp}, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
