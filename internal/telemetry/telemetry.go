// Package telemetry wires the OpenTelemetry tracer and meter providers.
// When telemetry is disabled everything degrades to no-ops, so callers can
// hold instruments unconditionally.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	mnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tnoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/lemonhq/lemon/internal/config"
)

const serviceName = "lemon"

// OverflowFailureCounter is the metric counting failed overflow
// recoveries.
const OverflowFailureCounter = "session.overflow_recovery.failure"

// Provider bundles the configured tracer/meter providers and the
// instruments the runtime records on.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// OverflowFailures increments once per failed overflow recovery.
	OverflowFailures metric.Int64Counter

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Setup builds the provider. Disabled telemetry returns a fully functional
// no-op provider and never an error.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	res := resource.NewSchemaless(semconv.ServiceName(serviceName))

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
	if cfg.Endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	p := &Provider{
		Tracer:         tp.Tracer(serviceName),
		Meter:          mp.Meter(serviceName),
		tracerProvider: tp,
		meterProvider:  mp,
	}
	if err := p.buildInstruments(); err != nil {
		return nil, err
	}
	slog.Info("telemetry.started", "endpoint", cfg.Endpoint)
	return p, nil
}

func noopProvider() *Provider {
	p := &Provider{
		Tracer: tnoop.NewTracerProvider().Tracer(serviceName),
		Meter:  mnoop.NewMeterProvider().Meter(serviceName),
	}
	// Instrument creation on the noop meter cannot fail.
	_ = p.buildInstruments()
	return p
}

func (p *Provider) buildInstruments() error {
	counter, err := p.Meter.Int64Counter(OverflowFailureCounter,
		metric.WithDescription("Overflow recoveries that ended in failure or timeout."))
	if err != nil {
		return fmt.Errorf("counter %s: %w", OverflowFailureCounter, err)
	}
	p.OverflowFailures = counter
	return nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
