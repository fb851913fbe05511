// Package delivery implements the agent's core loop: sample, serialize,
// POST, back off on failure, sleep, repeat until canceled.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/msle237-lees/homelab-agent/internal/collector"
	"github.com/msle237-lees/homelab-agent/internal/report"
)

// Delivery outcome classification.
const (
	OutcomeSuccess        = "success"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"
)

const (
	// requestTimeout bounds each POST; an in-flight send is never canceled
	// early by shutdown, so this is also the worst-case shutdown latency.
	requestTimeout = 10 * time.Second

	// bodyExcerptLimit caps how much of an error response is logged.
	bodyExcerptLimit = 200
)

// Sampler produces one metrics snapshot per call. It must not fail; broken
// sub-metrics degrade to zero values inside the sampler.
type Sampler interface {
	Collect(ctx context.Context) collector.Snapshot
}

// Observer receives lifecycle events from the loop. Implementations must be
// cheap; they run inline with the cycle. A nil Observer disables observation.
type Observer interface {
	// CycleStart is called before sampling. The returned context is used for
	// the remainder of the cycle, letting implementations attach a span.
	CycleStart(ctx context.Context) context.Context
	// CycleEnd is called after the delivery attempt is classified.
	CycleEnd(ctx context.Context, outcome string, latency time.Duration, payloadBytes int)
	// BackoffChanged is called with the delay about to be slept after a
	// failure, and with zero after a success resets the state.
	BackoffChanged(delay time.Duration)
}

// Config holds the delivery loop settings.
type Config struct {
	// URL is the fully assembled collector endpoint.
	URL string
	// Token, when non-empty, is attached as "Authorization: Bearer <Token>".
	Token string
	// ServerName identifies this host in every payload.
	ServerName string
	// Interval is the steady-state pause between cycles.
	Interval time.Duration
	// ProcessLimit caps the reported process list.
	ProcessLimit int

	// BackoffInitial and BackoffMax bound the failure backoff. Zero values
	// select the production defaults of 1s and 60s; tests shrink them.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Reporter owns the delivery loop state: the reusable HTTP client and the
// backoff that grows across consecutive failures.
type Reporter struct {
	cfg     Config
	sampler Sampler
	client  *http.Client
	boff    *backoff.ExponentialBackOff
	log     zerolog.Logger
	obs     Observer

	// sleep is swapped out by tests to observe wait durations.
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config, sampler Sampler, log zerolog.Logger, obs Observer) *Reporter {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = cfg.BackoffInitial
	boff.MaxInterval = cfg.BackoffMax
	boff.Multiplier = 2
	boff.RandomizationFactor = 0
	boff.MaxElapsedTime = 0 // the loop never gives up
	boff.Reset()

	return &Reporter{
		cfg:     cfg,
		sampler: sampler,
		client:  &http.Client{Timeout: requestTimeout},
		boff:    boff,
		log:     log.With().Str("component", "delivery").Logger(),
		obs:     obs,
		sleep:   sleepWithContext,
	}
}

// Run drives the loop until ctx is canceled. A failed delivery drops that
// cycle's data point; the next cycle samples fresh rather than retrying a
// stale payload. Run always returns nil after a clean stop.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		cycleCtx := ctx
		if r.obs != nil {
			cycleCtx = r.obs.CycleStart(ctx)
		}

		snap := r.sampler.Collect(cycleCtx)
		payload := report.FromSnapshot(r.cfg.ServerName, snap, r.cfg.ProcessLimit)

		start := time.Now()
		outcome, payloadBytes := r.send(cycleCtx, payload)
		if r.obs != nil {
			r.obs.CycleEnd(cycleCtx, outcome, time.Since(start), payloadBytes)
		}

		if outcome == OutcomeSuccess {
			r.boff.Reset()
			if r.obs != nil {
				r.obs.BackoffChanged(0)
			}
		} else {
			// Sleep the current backoff, then still take the normal interval
			// sleep below. The sequential waits are intentional: a struggling
			// collector sees at least interval+backoff between attempts.
			delay := r.boff.NextBackOff()
			if r.obs != nil {
				r.obs.BackoffChanged(delay)
			}
			if !r.sleep(ctx, delay) {
				return nil
			}
		}

		if !r.sleep(ctx, r.cfg.Interval) {
			return nil
		}
	}
}

// send POSTs one payload and classifies the result. It returns the outcome
// and the serialized payload size.
func (r *Reporter) send(ctx context.Context, payload report.Payload) (string, int) {
	body, err := json.Marshal(payload)
	if err != nil {
		// Payload is a plain struct; this cannot happen in practice.
		r.log.Error().Err(err).Msg("failed to marshal payload")
		return OutcomeTransportError, 0
	}

	// A send already in flight when shutdown arrives finishes or hits the
	// client timeout; it is not torn down mid-request. Span values still
	// propagate.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		r.log.Error().Err(err).Str("url", r.cfg.URL).Msg("failed to build request")
		return OutcomeTransportError, len(body)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Error().Err(err).Str("url", r.cfg.URL).Msg("metrics delivery failed")
		return OutcomeTransportError, len(body)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		r.log.Debug().Int("status", resp.StatusCode).Msg("metrics delivered")
		return OutcomeSuccess, len(body)
	}

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerptLimit))
	r.log.Error().
		Str("url", r.cfg.URL).
		Int("status", resp.StatusCode).
		Str("body", string(excerpt)).
		Msg("collector rejected metrics")
	return OutcomeHTTPError, len(body)
}

// sleepWithContext waits for d or until ctx is canceled, whichever comes
// first. It reports whether the full duration elapsed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
