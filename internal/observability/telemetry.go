// Package observability configures OpenTelemetry tracing for clients and
// workers. Until Init is called every span comes from the global otel
// tracer provider, which is a no-op unless the host application set one.
package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/oriys/entrypoint"

// Config holds telemetry configuration
type Config struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter" toml:"exporter"` // otlp-http, none
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"` // localhost:4318
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"` // 0.0 to 1.0
}

// Provider wraps the OpenTelemetry TracerProvider
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var globalProvider atomic.Pointer[Provider]

// Init installs a tracer provider and the W3C TraceContext+Baggage
// propagator as otel globals. A disabled config only installs the
// propagator so context still crosses process boundaries.
func Init(ctx context.Context, cfg Config) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		globalProvider.Store(&Provider{tracer: otel.Tracer(instrumentationName)})
		return nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "entrypoint"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http", "otlp", "":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("create OTLP exporter: %w", err)
		}
		exporter = exp
	case "none":
		exporter = discardExporter{}
	default:
		return fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate > 0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	globalProvider.Store(&Provider{
		tp:      tp,
		tracer:  tp.Tracer(instrumentationName),
		enabled: true,
	})
	return nil
}

// Shutdown flushes pending spans and stops the provider installed by Init.
func Shutdown(ctx context.Context) error {
	p := globalProvider.Load()
	if p == nil || p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// Tracer returns the tracer installed by Init, or the global otel tracer.
func Tracer() trace.Tracer {
	if p := globalProvider.Load(); p != nil {
		return p.tracer
	}
	return otel.Tracer(instrumentationName)
}

// Enabled reports whether Init installed an exporting provider.
func Enabled() bool {
	p := globalProvider.Load()
	return p != nil && p.enabled
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                            { return nil }
