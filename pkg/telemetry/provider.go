// Package telemetry wires the Runtime Engine's spans and counters to an
// OpenTelemetry OTLP sink. The engine only ever talks to the Tracer and
// Meter accessors here — it never imports an exporter directly, so the
// sink stays pluggable per §1 of the spec ("the engine only emits
// instrumented spans/metrics through a pluggable sink").
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers backing the engine.
type Config struct {
	ServiceName  string
	AgentID      string
	OTLPEndpoint string
	SampleRate   float64
	BatchTimeout time.Duration
	Enabled      bool
	Insecure     bool
}

// DefaultConfig returns safe local defaults, matching the engine's
// config.Load() convention of "works out of the box in dev".
func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "runtime-engine",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      false,
		Insecure:     true,
	}
}

// Provider owns the tracer/meter pair and the engine's four RED-style
// counters plus its processing-duration histogram, matching the
// original source's core/engine.py instrumentation
// (events_received_total, events_emitted_total, idempotency_hits_total,
// security_violations_total, event_processing_duration_ms).
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	received    metric.Int64Counter
	emitted     metric.Int64Counter
	idempotency metric.Int64Counter
	violations  metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates a Provider. With Enabled=false it returns a no-op provider
// backed by the global (no-op by default) OTel providers, so callers
// never need a nil check before using Tracer()/Meter().
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{config: cfg, logger: logger.With("component", "telemetry")}

	if !cfg.Enabled {
		p.tracer = otel.Tracer("runtime-engine")
		p.meter = otel.Meter("runtime-engine")
		if err := p.initCounters(); err != nil {
			return nil, err
		}
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("runtime_engine.agent_id", cfg.AgentID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("runtime-engine")
	p.meter = otel.Meter("runtime-engine")
	if err := p.initCounters(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized", "endpoint", cfg.OTLPEndpoint, "agent", cfg.AgentID)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initCounters() error {
	var err error
	if p.received, err = p.meter.Int64Counter("events_received_total",
		metric.WithDescription("Total inbound envelopes accepted for processing")); err != nil {
		return err
	}
	if p.emitted, err = p.meter.Int64Counter("events_emitted_total",
		metric.WithDescription("Total output envelopes published or routed")); err != nil {
		return err
	}
	if p.idempotency, err = p.meter.Int64Counter("idempotency_hits_total",
		metric.WithDescription("Total duplicate deliveries resolved via the idempotency index")); err != nil {
		return err
	}
	if p.violations, err = p.meter.Int64Counter("security_violations_total",
		metric.WithDescription("Total inbound envelopes rejected for scope or contract violations")); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("event_processing_duration_ms",
		metric.WithDescription("process() wall time in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and releases the exporters, if any were started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }
func (p *Provider) Meter() metric.Meter  { return p.meter }

func (p *Provider) RecordReceived(ctx context.Context, agentID, eventType string) {
	p.received.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentID), attribute.String("type", eventType)))
}

func (p *Provider) RecordEmitted(ctx context.Context, agentID, kind string, n int) {
	p.emitted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("agent", agentID), attribute.String("kind", kind)))
}

func (p *Provider) RecordIdempotencyHit(ctx context.Context, agentID string) {
	p.idempotency.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentID)))
}

func (p *Provider) RecordViolation(ctx context.Context, agentID, reason string) {
	p.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentID), attribute.String("reason", reason)))
}

func (p *Provider) RecordDuration(ctx context.Context, agentID, eventType string, d time.Duration) {
	p.duration.Record(ctx, float64(d.Microseconds())/1000.0, metric.WithAttributes(
		attribute.String("agent", agentID), attribute.String("type", eventType)))
}
