// Package ratelimit implements per-client admission control on the keyed
// TTL store, so counters are shared by every replica using the same backend.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/governance-service/internal/kvstore"
	"github.com/trogers1052/governance-service/internal/metrics"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter per client key.
type Limiter struct {
	store   kvstore.Store
	limit   int
	window  time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a limiter admitting limit requests per window per client.
// A non-positive limit disables admission control.
func New(store kvstore.Store, limit int, window time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Limiter{
		store:   store,
		limit:   limit,
		window:  window,
		metrics: m,
		logger:  logger.With().Str("component", "RateLimiter").Logger(),
		now:     time.Now,
	}
}

// Allow counts one request for client. Store failures admit the request:
// an unavailable counter backend must not take the API down with it.
func (l *Limiter) Allow(ctx context.Context, client string) Decision {
	if l.limit <= 0 {
		return Decision{Allowed: true}
	}

	now := l.now()
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf("ratelimit:%s:%d", client, windowStart.Unix())

	count, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		l.logger.Warn().Err(err).Str("client", client).Msg("rate limit counter unavailable, admitting request")
		return Decision{Allowed: true, Remaining: l.limit}
	}

	if count > int64(l.limit) {
		l.metrics.RateLimited.Inc()
		retryAfter := windowStart.Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true, Remaining: l.limit - int(count)}
}
