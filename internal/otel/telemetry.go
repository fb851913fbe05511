package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the metrics and tracer into the observer the delivery
// loop consumes: a span wrapping each cycle, plus the cycle instruments.
type Telemetry struct {
	metrics *Metrics
	tracer  *Tracer
}

func NewTelemetry(metrics *Metrics, tracer *Tracer) *Telemetry {
	return &Telemetry{metrics: metrics, tracer: tracer}
}

// CycleStart opens a span for the cycle; the span ends in CycleEnd via the
// returned context.
func (t *Telemetry) CycleStart(ctx context.Context) context.Context {
	ctx, _ = t.tracer.StartSpan(ctx, "delivery.cycle")
	return ctx
}

// CycleEnd records the cycle instruments and closes the cycle span.
func (t *Telemetry) CycleEnd(ctx context.Context, outcome string, latency time.Duration, payloadBytes int) {
	t.metrics.RecordCycle(ctx, outcome, latency, payloadBytes)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("payload.bytes", payloadBytes),
	)
	if outcome != "success" {
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}

// BackoffChanged mirrors the loop's current backoff into the gauge.
func (t *Telemetry) BackoffChanged(delay time.Duration) {
	t.metrics.SetBackoff(delay.Seconds())
}

// Shutdown flushes both signals.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.metrics.Shutdown(ctx); err != nil {
		return err
	}
	return t.tracer.Shutdown(ctx)
}
