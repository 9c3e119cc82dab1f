package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "luthien"

// MetricsConfig controls the otel meter pipeline.
type MetricsConfig struct {
	Enabled        bool
	ExportInterval time.Duration
	ExportTimeout  time.Duration
}

// DefaultMetricsConfig returns the metrics defaults.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:        true,
		ExportInterval: 30 * time.Second,
		ExportTimeout:  10 * time.Second,
	}
}

// Telemetry bundles the tracer and the pipeline counters. A nil *Telemetry is
// valid and records nothing, so call sites never need to guard.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer

	requests       metric.Int64Counter
	chunksIn       metric.Int64Counter
	chunksOut      metric.Int64Counter
	policyTimeouts metric.Int64Counter
	truncations    metric.Int64Counter
}

// NewTelemetry builds the meter provider with a periodic stdout exporter and
// registers the pipeline instruments. When cfg.Enabled is false it returns
// nil, which all methods tolerate.
func NewTelemetry(cfg MetricsConfig) (*Telemetry, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp,
		sdkmetric.WithInterval(cfg.ExportInterval),
		sdkmetric.WithTimeout(cfg.ExportTimeout),
	)
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(scopeName)
	t := &Telemetry{
		meterProvider: provider,
		tracer:        otel.Tracer(scopeName),
	}
	if t.requests, err = meter.Int64Counter("luthien.requests",
		metric.WithDescription("Transactions started, by dialect and streaming flag")); err != nil {
		return nil, err
	}
	if t.chunksIn, err = meter.Int64Counter("luthien.chunks.ingress",
		metric.WithDescription("Streaming chunks received from backends")); err != nil {
		return nil, err
	}
	if t.chunksOut, err = meter.Int64Counter("luthien.chunks.egress",
		metric.WithDescription("Streaming chunks released to clients")); err != nil {
		return nil, err
	}
	if t.policyTimeouts, err = meter.Int64Counter("luthien.policy.timeouts",
		metric.WithDescription("Transactions aborted by the policy timeout monitor")); err != nil {
		return nil, err
	}
	if t.truncations, err = meter.Int64Counter("luthien.recorder.truncations",
		metric.WithDescription("Chunk ring buffers that hit their cap")); err != nil {
		return nil, err
	}
	return t, nil
}

// StartSpan opens the transaction span. Returns the derived context and the
// span; both are usable when t is nil.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return trace.ContextWithSpan(ctx, trace.SpanFromContext(ctx)), trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// CountRequest records one transaction start.
func (t *Telemetry) CountRequest(ctx context.Context, dialect string, streaming bool) {
	if t == nil {
		return
	}
	t.requests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("dialect", dialect), attribute.Bool("streaming", streaming)))
}

// CountIngressChunk records one chunk arriving from the backend.
func (t *Telemetry) CountIngressChunk(ctx context.Context) {
	if t == nil {
		return
	}
	t.chunksIn.Add(ctx, 1)
}

// CountEgressChunk records one chunk released to the client.
func (t *Telemetry) CountEgressChunk(ctx context.Context) {
	if t == nil {
		return
	}
	t.chunksOut.Add(ctx, 1)
}

// CountPolicyTimeout records one timeout abort.
func (t *Telemetry) CountPolicyTimeout(ctx context.Context) {
	if t == nil {
		return
	}
	t.policyTimeouts.Add(ctx, 1)
}

// CountTruncation records one ring-buffer truncation.
func (t *Telemetry) CountTruncation(ctx context.Context, direction string) {
	if t == nil {
		return
	}
	t.truncations.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// Shutdown flushes and stops the meter pipeline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}
	return t.meterProvider.Shutdown(ctx)
}
