package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/msle237-lees/homelab-agent/internal/collector"
	"github.com/msle237-lees/homelab-agent/internal/report"
)

// intervalMarker is a steady-state interval long enough to never be confused
// with a backoff delay in recorded sleeps.
const intervalMarker = 5 * time.Minute

type stubSampler struct {
	calls atomic.Int32
	snap  collector.Snapshot
}

func (s *stubSampler) Collect(ctx context.Context) collector.Snapshot {
	s.calls.Add(1)
	return s.snap
}

// sleepRecorder replaces the reporter's sleep with an instant fake that
// records requested durations. It honors cancellation like the real one.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (sr *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	sr.mu.Lock()
	sr.sleeps = append(sr.sleeps, d)
	sr.mu.Unlock()
	return ctx.Err() == nil
}

// backoffSleeps returns every recorded sleep that is not the steady-state
// interval, i.e. the failure backoff delays.
func (sr *sleepRecorder) backoffSleeps() []time.Duration {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	var out []time.Duration
	for _, d := range sr.sleeps {
		if d != intervalMarker {
			out = append(out, d)
		}
	}
	return out
}

func (sr *sleepRecorder) all() []time.Duration {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return append([]time.Duration(nil), sr.sleeps...)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	backoffs []time.Duration
}

func (o *recordingObserver) CycleStart(ctx context.Context) context.Context { return ctx }

func (o *recordingObserver) CycleEnd(ctx context.Context, outcome string, latency time.Duration, payloadBytes int) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) BackoffChanged(delay time.Duration) {
	o.mu.Lock()
	o.backoffs = append(o.backoffs, delay)
	o.mu.Unlock()
}

func newTestReporter(url string, sampler Sampler, obs Observer) (*Reporter, *sleepRecorder) {
	r := New(Config{
		URL:          url,
		Token:        "test-token",
		ServerName:   "test-host",
		Interval:     intervalMarker,
		ProcessLimit: 40,
	}, sampler, zerolog.Nop(), obs)

	rec := &sleepRecorder{}
	r.sleep = rec.sleep
	return r, rec
}

// TestRunSendsPayload verifies one full cycle: headers, wire shape, and the
// JSON-string process list.
func TestRunSendsPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var gotAuth, gotContentType string
	var gotPayload report.Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("payload did not decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		cancel()
	}))
	defer server.Close()

	sampler := &stubSampler{snap: collector.Snapshot{
		CPUPercent:    12.3,
		MemoryPercent: 45.6,
		DiskUsedBytes: 1 << 30,
		UptimeSeconds: 3600,
		Processes:     []string{"systemd", "sshd"},
	}}

	r, _ := newTestReporter(server.URL, sampler, nil)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
	if gotPayload.ServerName != "test-host" {
		t.Errorf("server_name = %q, want test-host", gotPayload.ServerName)
	}
	if gotPayload.Status != report.StatusRunning {
		t.Errorf("status = %q, want %q", gotPayload.Status, report.StatusRunning)
	}
	names, err := gotPayload.ProcessNames()
	if err != nil {
		t.Fatalf("running_processes did not decode: %v", err)
	}
	if len(names) != 2 || names[0] != "systemd" {
		t.Errorf("running_processes = %v, want [systemd sshd]", names)
	}
}

// TestRunOmitsAuthorizationWithoutToken verifies no Authorization header is
// sent when no token is configured.
func TestRunOmitsAuthorizationWithoutToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var gotAuth string
	var sawAuth bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, sawAuth = r.Header["Authorization"]
		w.WriteHeader(http.StatusOK)
		cancel()
	}))
	defer server.Close()

	r := New(Config{
		URL:        server.URL,
		ServerName: "test-host",
		Interval:   intervalMarker,
	}, &stubSampler{}, zerolog.Nop(), nil)
	rec := &sleepRecorder{}
	r.sleep = rec.sleep

	r.Run(ctx)

	if sawAuth {
		t.Errorf("Authorization header present (%q), want absent", gotAuth)
	}
}

// TestBackoffDoublesAndCaps drives consecutive failures and checks the
// 1,2,4,8,16,32,60,60 delay sequence against recorded sleeps.
func TestBackoffDoublesAndCaps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) >= 8 {
			cancel()
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r, rec := newTestReporter(server.URL, &stubSampler{}, nil)
	r.Run(ctx)

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	got := rec.backoffSleeps()
	if len(got) != len(want) {
		t.Fatalf("backoff sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// TestBackoffResetsOnSuccess checks that a 2xx response snaps the delay back
// to the 1-second floor no matter how far it had grown.
func TestBackoffResetsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// fail, fail, fail, succeed, fail, then stop.
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		switch {
		case n == 4:
			w.WriteHeader(http.StatusCreated)
		case n >= 5:
			cancel()
			http.Error(w, "down again", http.StatusBadGateway)
		default:
			http.Error(w, "down", http.StatusBadGateway)
		}
	}))
	defer server.Close()

	r, rec := newTestReporter(server.URL, &stubSampler{}, nil)
	r.Run(ctx)

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 1 * time.Second}
	got := rec.backoffSleeps()
	if len(got) != len(want) {
		t.Fatalf("backoff sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// TestFailureSleepsBackoffThenInterval pins the sequential waits on the
// failure path: the backoff delay is followed by the full interval sleep,
// not substituted for it.
func TestFailureSleepsBackoffThenInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) >= 2 {
			cancel()
		}
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	r, rec := newTestReporter(server.URL, &stubSampler{}, nil)
	r.Run(ctx)

	all := rec.all()
	if len(all) < 2 {
		t.Fatalf("recorded sleeps = %v, want at least [backoff, interval]", all)
	}
	if all[0] != 1*time.Second {
		t.Errorf("first sleep = %v, want 1s backoff", all[0])
	}
	if all[1] != intervalMarker {
		t.Errorf("second sleep = %v, want the full %v interval", all[1], intervalMarker)
	}
}

// TestRunStopsBeforeCycleWhenCanceled verifies a canceled context prevents
// any further sampling or network traffic.
func TestRunStopsBeforeCycleWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	sampler := &stubSampler{}
	r, _ := newTestReporter(server.URL, sampler, nil)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}

	if n := sampler.calls.Load(); n != 0 {
		t.Errorf("sampler called %d times after cancellation, want 0", n)
	}
	if n := requests.Load(); n != 0 {
		t.Errorf("%d requests sent after cancellation, want 0", n)
	}
}

// TestShutdownInterruptsIntervalSleep uses the real sleep to verify that
// cancellation during a long interval wait returns promptly instead of
// waiting out the interval.
func TestShutdownInterruptsIntervalSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r := New(Config{
		URL:        server.URL,
		ServerName: "test-host",
		Interval:   30 * time.Second,
	}, &stubSampler{}, zerolog.Nop(), nil)

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// Let the first cycle complete and the interval sleep begin.
	time.Sleep(200 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case <-done:
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Run took %v to stop after cancel, want <= 1s", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop within 5s of cancellation")
	}
}

// TestRecoverySequence runs the end-to-end scenario: two successes, one
// transport failure (connection torn down mid-request), then a success, and
// checks outcome classification plus backoff behavior around the failure.
func TestRecoverySequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch requests.Add(1) {
		case 3:
			// Kill the connection without a response: a transport error, not
			// an HTTP one.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer does not support hijacking")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack failed: %v", err)
				return
			}
			conn.Close()
		case 4:
			w.WriteHeader(http.StatusOK)
			cancel()
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	obs := &recordingObserver{}
	r, rec := newTestReporter(server.URL, &stubSampler{}, obs)
	r.Run(ctx)

	wantOutcomes := []string{OutcomeSuccess, OutcomeSuccess, OutcomeTransportError, OutcomeSuccess}
	if len(obs.outcomes) != len(wantOutcomes) {
		t.Fatalf("outcomes = %v, want %v", obs.outcomes, wantOutcomes)
	}
	for i := range wantOutcomes {
		if obs.outcomes[i] != wantOutcomes[i] {
			t.Errorf("outcome[%d] = %q, want %q", i, obs.outcomes[i], wantOutcomes[i])
		}
	}

	// Only the one transport failure should have produced a backoff sleep,
	// at the initial 1s delay.
	got := rec.backoffSleeps()
	if len(got) != 1 || got[0] != time.Second {
		t.Errorf("backoff sleeps = %v, want [1s]", got)
	}

	// Observer saw the delay grow on failure and reset to zero on success.
	wantBackoffs := []time.Duration{0, 0, time.Second, 0}
	if len(obs.backoffs) != len(wantBackoffs) {
		t.Fatalf("backoff notifications = %v, want %v", obs.backoffs, wantBackoffs)
	}
	for i := range wantBackoffs {
		if obs.backoffs[i] != wantBackoffs[i] {
			t.Errorf("backoff notification[%d] = %v, want %v", i, obs.backoffs[i], wantBackoffs[i])
		}
	}
}

// TestSendLogsTruncatedErrorBody verifies the diagnostic line for a non-2xx
// response carries the URL, status, and no more than 200 bytes of body.
func TestSendLogsTruncatedErrorBody(t *testing.T) {
	longBody := strings.Repeat("x", 300) + "TAIL"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, longBody, http.StatusBadRequest)
	}))
	defer server.Close()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := New(Config{
		URL:        server.URL,
		ServerName: "test-host",
		Interval:   intervalMarker,
	}, &stubSampler{}, logger, nil)

	outcome, _ := r.send(context.Background(), report.Payload{ServerName: "test-host"})
	if outcome != OutcomeHTTPError {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeHTTPError)
	}

	logged := buf.String()
	if !strings.Contains(logged, server.URL) {
		t.Error("diagnostic line missing the collector URL")
	}
	if !strings.Contains(logged, "400") {
		t.Error("diagnostic line missing the status code")
	}
	if strings.Contains(logged, "TAIL") {
		t.Error("diagnostic line contains body beyond the 200-byte excerpt")
	}
}

// TestSendClassifiesTransportError points the reporter at a port nothing
// listens on.
func TestSendClassifiesTransportError(t *testing.T) {
	// Reserve a port, then close it so the connection is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	url := "http://" + ln.Addr().String()
	ln.Close()

	r := New(Config{
		URL:        url,
		ServerName: "test-host",
		Interval:   intervalMarker,
	}, &stubSampler{}, zerolog.Nop(), nil)

	outcome, _ := r.send(context.Background(), report.Payload{ServerName: "test-host"})
	if outcome != OutcomeTransportError {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeTransportError)
	}
}
