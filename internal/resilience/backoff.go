// Package resilience provides the retry and failure-tracking primitives used
// around the pipeline's I/O edges: bounded exponential backoff with full
// jitter for chat posting, and a sliding-window failure counter that the
// stream controller uses to detect restart storms and segment-drop
// escalation.
package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// BackoffConfig parameterises [Retry]. The zero value is not usable; start
// from [DefaultBackoff].
type BackoffConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// Base is the backoff unit. Attempt n waits a uniformly random duration
	// in [0, min(Cap, Base*2^n)) — "full jitter".
	Base time.Duration

	// Cap bounds a single wait.
	Cap time.Duration
}

// DefaultBackoff matches the chat posting policy: 5 attempts, base 250 ms,
// cap 8 s.
var DefaultBackoff = BackoffConfig{
	MaxAttempts: 5,
	Base:        250 * time.Millisecond,
	Cap:         8 * time.Second,
}

// Permanent wraps an error to tell [Retry] that further attempts are
// pointless. The wrapped error is what callers see.
type Permanent struct{ Err error }

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// RetryAfter wraps an error carrying a server-indicated delay, as rate-limit
// responses do. [Retry] waits at least Delay before the next attempt instead
// of the computed backoff, and the attempt does not count towards
// MaxAttempts.
type RetryAfter struct {
	Err   error
	Delay time.Duration
}

func (r RetryAfter) Error() string { return r.Err.Error() }
func (r RetryAfter) Unwrap() error { return r.Err }

// Retry runs fn until it succeeds, returns a [Permanent] error, exhausts
// MaxAttempts, or ctx is cancelled. The returned error is the last attempt's
// error with any taxonomy wrapper stripped to its cause.
func Retry(ctx context.Context, cfg BackoffConfig, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}

		var wait time.Duration
		var ra RetryAfter
		if errors.As(err, &ra) {
			wait = ra.Delay
		} else {
			attempt++
			if attempt >= cfg.MaxAttempts {
				return err
			}
			wait = jitter(cfg, attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// jitter computes the full-jitter wait for the given attempt number (1-based
// after the first failure).
func jitter(cfg BackoffConfig, attempt int) time.Duration {
	ceil := cfg.Base << attempt
	if ceil > cfg.Cap || ceil <= 0 {
		ceil = cfg.Cap
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceil)))
}
