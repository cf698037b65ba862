// Package retry runs calls to external systems with a bounded budget.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/trogers1052/governance-service/internal/apperr"
)

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout bounds each individual attempt. Zero means no per-attempt timeout.
	AttemptTimeout time.Duration
	// MaxHint caps server-supplied Retry-After hints.
	MaxHint time.Duration
}

// DefaultPolicy is used when a component is not given one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		AttemptTimeout:  10 * time.Second,
		MaxHint:         30 * time.Second,
	}
}

// Sleep is swapped in tests.
var Sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do calls op until it succeeds, returns a non-retryable error, or the attempt
// budget is exhausted. Exhaustion is reported as an upstream error wrapping the
// last failure; non-retryable errors are returned unchanged.
func Do(ctx context.Context, p Policy, code string, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := p.backOff()

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = runAttempt(ctx, p.AttemptTimeout, op)
		if last == nil {
			return nil
		}
		if !apperr.Retryable(last) {
			return last
		}
		if ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}

		wait := b.NextBackOff()
		if hint := apperr.RetryAfterOf(last); hint > wait {
			wait = hint
			if p.MaxHint > 0 && wait > p.MaxHint {
				wait = p.MaxHint
			}
		}
		if err := Sleep(ctx, wait); err != nil {
			break
		}
	}

	return apperr.Upstream(code, fmt.Errorf("retry budget exhausted: %w", last))
}

func runAttempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}
