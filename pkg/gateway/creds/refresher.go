package creds

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halcyon-voice/speechbridge/pkg/gateway/metrics"
)

const (
	// Refresh this long before the snapshot expires.
	refreshSafetyMargin = 5 * time.Minute

	refreshMinInterval = time.Minute
	refreshMaxInterval = time.Hour

	// Wait after a failed fetch before trying again.
	refreshRetryDelay = 5 * time.Minute
)

const (
	SourceNone    = "none"
	SourceStatic  = "static-env"
	SourceAmbient = "ambient"
)

// Status is the redacted view served by the credential debug endpoint.
type Status struct {
	Source         string     `json:"source"`
	HasCredentials bool       `json:"has_credentials"`
	Expires        *time.Time `json:"expires,omitempty"`
	LastRefresh    *time.Time `json:"last_refresh,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Refresher keeps the process-wide credential snapshot up to date. Start runs
// at most once per process; a failed refresh never affects in-flight client
// sessions, it only degrades future outbound calls.
type Refresher struct {
	logger   *slog.Logger
	provider Provider
	metrics  *metrics.Metrics

	// Overridable in tests.
	margin     time.Duration
	minWait    time.Duration
	maxWait    time.Duration
	retryDelay time.Duration
	now        func() time.Time

	startOnce sync.Once
	current   atomic.Pointer[Snapshot]
	done      chan struct{}

	mu          sync.Mutex
	source      string
	lastRefresh time.Time
	lastErr     error
}

// NewRefresher creates a stopped refresher. The metrics handle may be nil.
func NewRefresher(logger *slog.Logger, provider Provider, m *metrics.Metrics) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		logger:     logger,
		provider:   provider,
		metrics:    m,
		margin:     refreshSafetyMargin,
		minWait:    refreshMinInterval,
		maxWait:    refreshMaxInterval,
		retryDelay: refreshRetryDelay,
		now:        time.Now,
		done:       make(chan struct{}),
		source:     SourceNone,
	}
}

// AttachMetrics wires the refresh outcome counters. Must be called before
// Start.
func (r *Refresher) AttachMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Start launches the refresh loop, or publishes the static environment
// credentials and returns immediately when they are present. Subsequent calls
// are no-ops. The loop exits cleanly once ctx is canceled.
func (r *Refresher) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		if snap, ok := StaticFromEnv(ctx); ok {
			r.publish(snap, SourceStatic)
			r.logger.Info("using static credentials from environment; refresh loop disabled")
			close(r.done)
			return
		}
		r.setSource(SourceAmbient)
		go r.run(ctx)
	})
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)
	defer r.logger.Info("credential refresh loop stopped")

	for {
		snap, err := r.provider.Retrieve(ctx)
		if err != nil {
			r.recordFailure(err)
			r.logger.Error("credential refresh failed", "error", err, "retry_in", r.retryDelay)
			if !r.wait(ctx, r.retryDelay) {
				return
			}
			continue
		}

		r.publish(snap, SourceAmbient)
		interval := r.interval(snap.Expires)
		r.logger.Info("credentials refreshed", "expires", snap.Expires, "next_refresh_in", interval)
		if !r.wait(ctx, interval) {
			return
		}
	}
}

// interval is clamp(untilExpiry − margin, minWait, maxWait).
func (r *Refresher) interval(expires time.Time) time.Duration {
	d := expires.Sub(r.now()) - r.margin
	if d < r.minWait {
		return r.minWait
	}
	if d > r.maxWait {
		return r.maxWait
	}
	return d
}

func (r *Refresher) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Refresher) publish(snap Snapshot, source string) {
	r.current.Store(&snap)
	r.mu.Lock()
	r.source = source
	r.lastRefresh = r.now()
	r.lastErr = nil
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.CredentialRefreshes.WithLabelValues("success").Inc()
	}
}

func (r *Refresher) recordFailure(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.CredentialRefreshes.WithLabelValues("failure").Inc()
	}
}

func (r *Refresher) setSource(source string) {
	r.mu.Lock()
	r.source = source
	r.mu.Unlock()
}

// Current returns the latest published snapshot. Readers must not assume
// freshness beyond "refreshed before expiry minus a safety margin".
func (r *Refresher) Current() (Snapshot, bool) {
	snap := r.current.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// Status reports the active credential source without exposing secrets.
func (r *Refresher) Status() Status {
	r.mu.Lock()
	source := r.source
	lastRefresh := r.lastRefresh
	lastErr := r.lastErr
	r.mu.Unlock()

	st := Status{Source: source}
	if snap, ok := r.Current(); ok {
		st.HasCredentials = true
		if !snap.Expires.IsZero() {
			expires := snap.Expires
			st.Expires = &expires
		}
	}
	if !lastRefresh.IsZero() {
		t := lastRefresh
		st.LastRefresh = &t
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}

// Done is closed when the refresh loop has exited (or never started because
// static credentials were found).
func (r *Refresher) Done() <-chan struct{} {
	return r.done
}
