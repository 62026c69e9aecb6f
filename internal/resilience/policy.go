// Package resilience bounds calls to the pipeline's external collaborators
// (model, renderer, notification transport) with a retry policy and a
// circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/config"
)

// Policy is the bounded retry policy for one collaborator.
type Policy struct {
	Attempts       int
	FirstWait      time.Duration
	MaxWait        time.Duration
	Multiplier     float64
	Jitter         float64
	AttemptTimeout time.Duration

	// Retryable decides whether a failed attempt is tried again. Nil means
	// IsTransient.
	Retryable func(error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// NewPolicy builds a Policy from the retry section of the config. Unset
// fields fall back to three attempts starting at 500ms.
func NewPolicy(rc config.RetryConfig, attemptTimeout time.Duration) Policy {
	p := Policy{
		Attempts:       rc.MaxAttempts,
		FirstWait:      time.Duration(rc.InitialBackoffMs) * time.Millisecond,
		MaxWait:        time.Duration(rc.MaxBackoffMs) * time.Millisecond,
		Multiplier:     rc.Multiplier,
		Jitter:         rc.JitterFraction,
		AttemptTimeout: attemptTimeout,
	}
	return p.normalized()
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.FirstWait <= 0 {
		p.FirstWait = 500 * time.Millisecond
	}
	if p.MaxWait < p.FirstWait {
		p.MaxWait = max(p.FirstWait, 30*time.Second)
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	return p
}

func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.FirstWait
	b.MaxInterval = p.MaxWait
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Logged returns a copy of p that logs each retry under the collaborator name.
func (p Policy) Logged(collaborator string) Policy {
	p.OnRetry = func(attempt int, wait time.Duration, err error) {
		zap.L().Warn("resilience: retrying call",
			zap.String("collaborator", collaborator),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return p
}

// Budget is the longest a full run of p can take: every attempt hitting its
// timeout and every wait at its jittered cap. It is zero when attempts are
// unbounded.
func (p Policy) Budget() time.Duration {
	p = p.normalized()
	if p.AttemptTimeout <= 0 {
		return 0
	}
	wait := time.Duration(float64(p.MaxWait) * (1 + p.Jitter))
	return time.Duration(p.Attempts)*p.AttemptTimeout + time.Duration(p.Attempts-1)*wait
}

// ExhaustedError means every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("resilience: %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is a spent retry budget.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Do runs fn under p. See Retry.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry calls fn until it succeeds, fails with a non-retryable error, the
// caller's context ends, or p.Attempts calls have failed. Only the last case
// returns an *ExhaustedError; the others return fn's own error.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	waits := p.schedule()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := attemptOnce(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return zero, err
		}
		if attempt == p.Attempts {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := waits.NextBackOff()
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, err
		case <-t.C:
		}
	}
}

// attemptOnce bounds one call. When the attempt's own deadline (not the
// caller's) cut it short the error is marked transient.
func attemptOnce[T any](ctx context.Context, limit time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if limit <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	val, err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return val, Transient(fmt.Errorf("attempt exceeded %s: %w", limit, err), 0)
	}
	return val, err
}
