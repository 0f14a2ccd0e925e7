// Package obs wires OpenTelemetry tracing and metrics for the orchestrator.
// When disabled, every operation is a no-op with zero overhead.
package obs

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/browserwf/internal/config"
)

const (
	TracerName = "browserwf"
	MeterName  = "browserwf"
)

// Provider wraps the tracer and meter this process uses for every span and
// metric emitted by the engine, gateway, and driver.
type Provider struct {
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *Metrics
	PrometheusHTTP http.Handler // non-nil only when exporter="prometheus"

	tp       *sdktrace.TracerProvider
	shutdown func(context.Context) error
}

// NoOp returns a Provider wired to no-op tracer/meter implementations, for
// callers (tests, or a component built before Init runs) that need a
// non-nil Provider without paying for a real exporter.
func NoOp() *Provider {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return &Provider{
		Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:    noop.NewMeterProvider().Meter(MeterName),
		Metrics:  m,
		shutdown: func(context.Context) error { return nil },
	}
}

// Init builds a Provider from an OTelConfig. exporter="none" (or Enabled=false)
// returns an all no-op Provider.
func Init(ctx context.Context, cfg config.OTelConfig) (*Provider, error) {
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "none" {
		return NoOp(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("browserwf-orchestrator"),
			attribute.String("browserwf.component", "engine"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	if cfg.Exporter == "prometheus" {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		meter := mp.Meter(MeterName)
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		return &Provider{
			Tracer:         nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:          meter,
			Metrics:        metrics,
			PrometheusHTTP: promhttpHandler(),
			shutdown:       func(ctx context.Context) error { return mp.Shutdown(ctx) },
		}, nil
	}

	spanExporter, err := createSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	meter := mp.Meter(MeterName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	return &Provider{
		Tracer:  tp.Tracer(TracerName),
		Meter:   meter,
		Metrics: metrics,
		tp:      tp,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and releases the provider's exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createSpanExporter(ctx context.Context, cfg config.OTelConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, prometheus, none)", cfg.Exporter)
	}
}
