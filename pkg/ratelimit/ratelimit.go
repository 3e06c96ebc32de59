// Package ratelimit provides per-source admission control with a
// sliding 60-second request window and an exponential-backoff failure
// state machine. The limiter computes waits and backoffs but never
// sleeps on the caller's behalf except in WaitIfNeeded.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/kaspero/pkg/config"
	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/metrics"
)

const windowSize = 60 * time.Second

// keyState is the per-source-key limiter state.
type keyState struct {
	requestsMade   int
	windowStart    time.Time
	retryCount     int
	currentBackoff float64
	lastRequest    time.Time
}

// Stats is a snapshot of one key's limiter state.
type Stats struct {
	Key             string  `json:"key"`
	RequestsMade    int     `json:"requests_made"`
	RequestsLimit   int     `json:"requests_limit"`
	RetryCount      int     `json:"retry_count"`
	CurrentBackoff  float64 `json:"current_backoff"`
	WindowRemaining float64 `json:"window_remaining_seconds"`
}

// Limiter tracks admission windows and backoff per logical source key.
// Concurrent extractors may legitimately share a key (two sources
// hitting the same upstream), so all state transitions hold the lock:
// the window counter is read-then-incremented and a race there would
// over-admit.
type Limiter struct {
	requestsPerMinute int
	maxRetries        int
	backoffBase       float64

	mu     sync.Mutex
	states map[string]*keyState

	collector *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a limiter from configuration.
func New(cfg config.RateLimitConfig, logger *zap.Logger) *Limiter {
	return &Limiter{
		requestsPerMinute: cfg.RequestsPerMinute,
		maxRetries:        cfg.MaxRetries,
		backoffBase:       cfg.BackoffBase,
		states:            make(map[string]*keyState),
		collector:         metrics.Default(),
		logger:            logger,
		now:               time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// WithMetrics overrides the metrics collector. Test hook.
func (l *Limiter) WithMetrics(c *metrics.Collector) *Limiter {
	l.collector = c
	return l
}

// state returns the key's state, creating it lazily. Caller holds mu.
func (l *Limiter) state(key string) *keyState {
	st, ok := l.states[key]
	if !ok {
		st = &keyState{windowStart: l.now()}
		l.states[key] = st
	}
	return st
}

// resetWindowIfNeeded starts a fresh window once the current one is a
// full minute old. A stale failure streak is discarded with it.
// Caller holds mu.
func (l *Limiter) resetWindowIfNeeded(st *keyState) {
	if l.now().Sub(st.windowStart) >= windowSize {
		st.requestsMade = 0
		st.windowStart = l.now()
		st.retryCount = 0
		st.currentBackoff = 0
	}
}

// CheckRateLimit reports how many seconds the caller must wait before
// the next request is admitted. Zero means admitted. The only side
// effect is a potential window reset.
func (l *Limiter) CheckRateLimit(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(key)
	l.resetWindowIfNeeded(st)

	if st.requestsMade >= l.requestsPerMinute {
		wait := (windowSize - l.now().Sub(st.windowStart)).Seconds()
		if wait < 0 {
			wait = 0
		}
		return wait
	}

	return 0
}

// RecordRequest counts a request against the key's window.
func (l *Limiter) RecordRequest(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(key)
	st.requestsMade++
	st.lastRequest = l.now()

	l.logger.Debug("rate limiter request recorded",
		zap.String("key", key),
		zap.Int("requests_made", st.requestsMade),
		zap.Int("requests_limit", l.requestsPerMinute))
}

// RecordSuccess forgives any failure streak on the key.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(key)
	st.retryCount = 0
	st.currentBackoff = 0
}

// RecordFailure advances the key's failure streak and returns the
// backoff in seconds the caller should wait before retrying. Once the
// streak exceeds the retry budget it returns a rate_limit error
// carrying the exhausted key. The limiter never sleeps — waiting is
// the caller's responsibility.
func (l *Limiter) RecordFailure(key string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(key)
	st.retryCount++

	if st.retryCount > l.maxRetries {
		return 0, kasperoerrors.Newf(kasperoerrors.ErrorTypeRateLimit,
			"max retries (%d) exceeded for %s", l.maxRetries, key).
			WithDetail("source_key", key)
	}

	st.currentBackoff = pow(l.backoffBase, st.retryCount)

	l.logger.Warn("rate limiter backoff",
		zap.String("key", key),
		zap.Int("retry", st.retryCount),
		zap.Int("max_retries", l.maxRetries),
		zap.Float64("backoff_seconds", st.currentBackoff))

	return st.currentBackoff, nil
}

// WaitIfNeeded blocks until the window admits a request for key, or
// the context is cancelled.
func (l *Limiter) WaitIfNeeded(ctx context.Context, key string) error {
	wait := l.CheckRateLimit(key)
	if wait <= 0 {
		return nil
	}

	l.logger.Info("rate limit reached, waiting",
		zap.String("key", key),
		zap.Float64("wait_seconds", wait))
	l.collector.RateLimitWaits.WithLabelValues(key).Inc()
	l.collector.RateLimitWaitTime.WithLabelValues(key).Add(wait)

	timer := time.NewTimer(time.Duration(wait * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats returns a snapshot of the key's state for diagnostics.
func (l *Limiter) Stats(key string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(key)
	remaining := (windowSize - l.now().Sub(st.windowStart)).Seconds()
	if remaining < 0 {
		remaining = 0
	}

	return Stats{
		Key:             key,
		RequestsMade:    st.requestsMade,
		RequestsLimit:   l.requestsPerMinute,
		RetryCount:      st.retryCount,
		CurrentBackoff:  st.currentBackoff,
		WindowRemaining: remaining,
	}
}

// pow computes base^exp for small positive integer exponents. The
// backoff series stays exact for the common bases (2.0 → 2, 4, 8, 16)
// instead of accumulating math.Pow rounding.
func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
