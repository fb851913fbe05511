// Package main provides the homelab-agent binary: a background agent that
// samples host metrics and POSTs them to a homelab-db collector until
// signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/msle237-lees/homelab-agent/internal/collector"
	"github.com/msle237-lees/homelab-agent/internal/config"
	"github.com/msle237-lees/homelab-agent/internal/delivery"
	"github.com/msle237-lees/homelab-agent/internal/otel"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "homelab-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	// Interrupt, terminate, and hangup all request a graceful stop. The
	// handler only cancels the context; the loop notices at its next poll
	// point.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	telemetry, err := newTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	sampler := collector.New(cfg.ProcessLimit, log)
	reporter := delivery.New(delivery.Config{
		URL:          cfg.PostURL(),
		Token:        cfg.APIToken,
		ServerName:   cfg.ServerName,
		Interval:     cfg.PostInterval,
		ProcessLimit: cfg.ProcessLimit,
	}, sampler, log, telemetry)

	log.Info().
		Str("url", cfg.PostURL()).
		Str("server_name", cfg.ServerName).
		Dur("interval", cfg.PostInterval).
		Str("version", version).
		Msg("starting homelab-agent")

	if err := reporter.Run(ctx); err != nil {
		return err
	}

	// Flushing telemetry gets its own deadline; the run context is already
	// canceled at this point.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(flushCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}

	log.Info().Msg("homelab-agent stopped")
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func newTelemetry(ctx context.Context, cfg *config.Config) (*otel.Telemetry, error) {
	metricsType := otel.ParseExporterType(cfg.MetricsExporter)
	metrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:        metricsType != otel.ExporterNone,
		ServiceName:    "homelab-agent",
		ServiceVersion: version,
		ExporterType:   metricsType,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}

	tracesType := otel.ParseExporterType(cfg.TracesExporter)
	tracer, err := otel.NewTracer(ctx, &otel.TracerConfig{
		Enabled:        tracesType != otel.ExporterNone,
		ServiceName:    "homelab-agent",
		ServiceVersion: version,
		ExporterType:   tracesType,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}

	return otel.NewTelemetry(metrics, tracer), nil
}
