// Package mockcollector is a local stand-in for the homelab-db metrics
// endpoint. It validates incoming payloads against the wire contract and can
// inject failures so the agent's backoff path can be exercised end to end.
package mockcollector

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/msle237-lees/homelab-agent/internal/report"
)

// Config controls the mock collector's address and failure injection.
type Config struct {
	Addr string

	// FailEvery answers every Nth request with FailStatus instead of
	// accepting it. Zero disables injection.
	FailEvery  int
	FailStatus int

	// DropEvery closes every Nth request's connection without writing a
	// response, which the agent sees as a transport error. Zero disables.
	DropEvery int
}

func DefaultConfig() *Config {
	return &Config{
		Addr:       "127.0.0.1:0",
		FailStatus: http.StatusServiceUnavailable,
	}
}

// Server is the mock collector interface.
type Server interface {
	Start() error
	Stop(ctx context.Context)
	Addr() string
	MetricsURL() string
	Accepted() int64
}

// New creates a mock collector.
func New(config *Config, log zerolog.Logger) Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &mockCollector{
		cfg: config,
		log: log.With().Str("component", "mockcollector").Logger(),
	}
}

// StartTestServer starts a collector with defaults and returns cleanup.
func StartTestServer() (server Server, cleanup func()) {
	srv := New(DefaultConfig(), zerolog.Nop())
	if err := srv.Start(); err != nil {
		return srv, func() {}
	}
	cleanup = func() {
		srv.Stop(context.Background())
	}
	return srv, cleanup
}

type mockCollector struct {
	cfg        *Config
	log        zerolog.Logger
	httpServer *http.Server
	listener   net.Listener
	addr       string

	requests atomic.Int64
	accepted atomic.Int64
}

func (s *mockCollector) Start() error {
	if s.cfg == nil {
		s.cfg = DefaultConfig()
	}

	ln, err := net.Listen("tcp", normalizeAddr(s.cfg.Addr))
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/metrics/", s.handleMetrics)

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		_ = s.httpServer.Serve(ln)
	}()
	return nil
}

func (s *mockCollector) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	_ = s.httpServer.Shutdown(ctx)
}

func (s *mockCollector) Addr() string {
	return s.addr
}

func (s *mockCollector) MetricsURL() string {
	if s.addr == "" {
		return ""
	}
	return "http://" + s.addr + "/api/v1/metrics/"
}

// Accepted returns the number of payloads that passed validation.
func (s *mockCollector) Accepted() int64 {
	return s.accepted.Load()
}

func (s *mockCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := s.requests.Add(1)

	if s.cfg.DropEvery > 0 && n%int64(s.cfg.DropEvery) == 0 {
		s.log.Info().Int64("request", n).Msg("dropping connection")
		hj, ok := w.(http.Hijacker)
		if ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		// Hijack unsupported: fall through to a plain error instead.
		http.Error(w, "connection dropped", http.StatusServiceUnavailable)
		return
	}

	if s.cfg.FailEvery > 0 && n%int64(s.cfg.FailEvery) == 0 {
		s.log.Info().Int64("request", n).Int("status", s.cfg.FailStatus).Msg("injecting failure")
		http.Error(w, "injected failure", s.cfg.FailStatus)
		return
	}

	var payload report.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("malformed payload: %v", err), http.StatusBadRequest)
		return
	}

	if err := validatePayload(payload); err != nil {
		s.log.Warn().Err(err).Msg("rejecting payload")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.accepted.Add(1)
	s.log.Info().
		Str("server_name", payload.ServerName).
		Int("cpu_usage", payload.CPUUsage).
		Int("memory_usage", payload.MemoryUsage).
		Int64("disk_space_used", payload.DiskSpaceUsed).
		Int64("uptime", payload.Uptime).
		Msg("accepted metrics")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// validatePayload enforces the wire contract the real collector expects.
func validatePayload(p report.Payload) error {
	if p.ServerName == "" {
		return fmt.Errorf("server_name is empty")
	}
	if p.CPUUsage < 0 || p.CPUUsage > 100 {
		return fmt.Errorf("cpu_usage %d outside [0,100]", p.CPUUsage)
	}
	if p.MemoryUsage < 0 || p.MemoryUsage > 100 {
		return fmt.Errorf("memory_usage %d outside [0,100]", p.MemoryUsage)
	}
	if p.DiskSpaceUsed < 0 {
		return fmt.Errorf("disk_space_used %d is negative", p.DiskSpaceUsed)
	}
	if p.NetworkTrafficIn < 0 || p.NetworkTrafficOut < 0 {
		return fmt.Errorf("network counters %d/%d are negative", p.NetworkTrafficIn, p.NetworkTrafficOut)
	}
	if p.Uptime < 0 {
		return fmt.Errorf("uptime %d is negative", p.Uptime)
	}
	if p.Status != report.StatusRunning {
		return fmt.Errorf("status %q is not %q", p.Status, report.StatusRunning)
	}
	if _, err := p.ProcessNames(); err != nil {
		return fmt.Errorf("running_processes is not a JSON string array: %v", err)
	}
	return nil
}

func normalizeAddr(addr string) string {
	if addr == "" {
		return "127.0.0.1:0"
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		return "127.0.0.1:" + port
	}
	return addr
}
