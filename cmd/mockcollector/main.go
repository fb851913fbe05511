// Package main provides the mockcollector binary: a local stand-in for the
// homelab-db metrics endpoint, with optional failure injection for
// exercising the agent's backoff behavior.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/msle237-lees/homelab-agent/internal/mockcollector"
)

func main() {
	addr := flag.String("addr", ":8000", "HTTP listen address")
	failEvery := flag.Int("fail-every", 0, "Reject every Nth payload (0 = never)")
	failStatus := flag.Int("fail-status", 503, "Status code for injected failures")
	dropEvery := flag.Int("drop-every", 0, "Drop every Nth connection without a response (0 = never)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	cfg := mockcollector.DefaultConfig()
	cfg.Addr = *addr
	cfg.FailEvery = *failEvery
	cfg.FailStatus = *failStatus
	cfg.DropEvery = *dropEvery

	server := mockcollector.New(cfg, log)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting mock collector: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Mock collector listening on %s\n", server.Addr())
	fmt.Printf("Metrics endpoint: %s\n", server.MetricsURL())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Stop(ctx)
	fmt.Printf("Mock collector stopped (%d payloads accepted)\n", server.Accepted())
}
