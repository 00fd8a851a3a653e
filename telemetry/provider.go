package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/m4xw311/agentlib/agent"
	"github.com/m4xw311/agentlib/config"
	"github.com/m4xw311/agentlib/errors"
)

const (
	defaultServiceName  = "agentlib"
	instrumentationName = "github.com/m4xw311/agentlib"
)

// Provider owns the SDK tracer and meter providers and the engine event
// handlers built on them.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	Tracing *TracingHandler
	Metrics *MetricsHandler
}

type providerOptions struct {
	exporters []sdktrace.SpanExporter
	readers   []sdkmetric.Reader
	global    bool
}

type ProviderOption func(*providerOptions)

// WithSpanExporter exports spans synchronously to exp in addition to any
// configured OTLP endpoint.
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.exporters = append(o.exporters, exp) }
}

// WithMetricReader attaches a metric reader. Without one, metrics are
// recorded but never collected.
func WithMetricReader(r sdkmetric.Reader) ProviderOption {
	return func(o *providerOptions) { o.readers = append(o.readers, r) }
}

// WithGlobal installs the tracer provider as the otel global.
func WithGlobal() ProviderOption {
	return func(o *providerOptions) { o.global = true }
}

// NewProvider builds providers for cfg. When cfg.OTLPEndpoint is set, spans
// are batched to it over OTLP/HTTP.
func NewProvider(ctx context.Context, cfg config.Telemetry, opts ...ProviderOption) (*Provider, error) {
	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create OTLP exporter for %s", cfg.OTLPEndpoint)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	for _, exp := range o.exporters {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	metrics, err := NewMetricsHandler(mp.Meter(instrumentationName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, errors.Wrapf(err, "failed to create metric instruments")
	}
	if o.global {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	}

	return &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		Tracing:        NewTracingHandler(tp.Tracer(instrumentationName)),
		Metrics:        metrics,
	}, nil
}

// Handler combines the tracing and metrics handlers for agent.WithEventHandler.
func (p *Provider) Handler() agent.EventHandler {
	return agent.MultiEventHandler(p.Tracing.Handle, p.Metrics.Handle)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tracerProvider.Shutdown(ctx), p.meterProvider.Shutdown(ctx))
}
