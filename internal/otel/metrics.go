// Package otel provides optional OpenTelemetry self-telemetry for the agent:
// counters and a trace span around each delivery cycle. Everything here is a
// no-op unless an exporter is configured.
package otel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the agent's self-metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false.
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g. "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool
}

// DefaultMetricsConfig returns a configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "homelab-agent",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps the meter provider and the agent's instruments.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error

	cycleCounter    metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	payloadBytes    metric.Int64Histogram
	backoffGauge    metric.Float64ObservableGauge
	backoffReg      metric.Registration

	mu             sync.RWMutex
	backoffSeconds float64
}

// NewMetrics creates a Metrics instance. With a nil config or a disabled
// exporter it returns a fully functional no-op.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := createMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}
	return m, nil
}

func createMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func newResource(serviceName, serviceVersion string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	if serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(serviceVersion))
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.cycleCounter, err = m.meter.Int64Counter(
		"homelab_agent.cycles",
		metric.WithDescription("Delivery cycles by outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cycle counter: %w", err)
	}

	m.deliveryLatency, err = m.meter.Float64Histogram(
		"homelab_agent.delivery.latency",
		metric.WithDescription("Latency of metrics delivery attempts"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery latency histogram: %w", err)
	}

	m.payloadBytes, err = m.meter.Int64Histogram(
		"homelab_agent.payload.size",
		metric.WithDescription("Serialized payload size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create payload size histogram: %w", err)
	}

	m.backoffGauge, err = m.meter.Float64ObservableGauge(
		"homelab_agent.backoff.seconds",
		metric.WithDescription("Current failure backoff delay, zero when healthy"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create backoff gauge: %w", err)
	}

	m.backoffReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			m.mu.RLock()
			v := m.backoffSeconds
			m.mu.RUnlock()
			o.ObserveFloat64(m.backoffGauge, v)
			return nil
		},
		m.backoffGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register backoff gauge callback: %w", err)
	}

	return nil
}

// RecordCycle records one delivery cycle with its outcome, latency, and
// payload size.
func (m *Metrics) RecordCycle(ctx context.Context, outcome string, latency time.Duration, payloadSize int) {
	if m.cycleCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.cycleCounter.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
	m.payloadBytes.Record(ctx, int64(payloadSize), attrs)
}

// SetBackoff updates the value reported by the backoff gauge.
func (m *Metrics) SetBackoff(seconds float64) {
	m.mu.Lock()
	m.backoffSeconds = seconds
	m.mu.Unlock()
}

// Enabled reports whether metrics export is active.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// Shutdown flushes pending metrics and releases the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.backoffReg != nil {
		if err := m.backoffReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister backoff gauge callback: %w", err)
		}
	}
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}
