package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"autotrader/internal/ports"
)

// Policy bounds how long a single remote call may take in total.
//
// With the defaults a call makes at most 3 attempts of 10s each, sleeping
// roughly 500ms and 1s in between.
type Policy struct {
	MaxRetries int           // Retries after the first attempt
	Min        time.Duration // First back-off delay
	Max        time.Duration // Back-off cap
	Factor     float64       // Growth factor between delays
	Jitter     bool          // Randomize delays
	Timeout    time.Duration // Per-attempt timeout; 0 disables it

	// OnRetry, when set, is called before each back-off sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy shared by both brokers.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		Min:        500 * time.Millisecond,
		Max:        5 * time.Second,
		Factor:     2,
		Jitter:     true,
		Timeout:    10 * time.Second,
	}
}

func (p Policy) backoff() *backoff.Backoff {
	return &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: p.Jitter}
}

// permanentError marks an error that must not be retried regardless of its class.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err is a transient I/O failure worth retrying.
// Validation, funds and not-found errors are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	switch {
	case errors.Is(err, ports.ErrConnectionFailed),
		errors.Is(err, ports.ErrTimeout),
		errors.Is(err, ports.ErrRateLimited),
		errors.Is(err, ports.ErrExchangeUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// Do runs op until it succeeds, returns a non-retryable error, the retries are
// exhausted or ctx is done. Each attempt gets its own timeout.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	b := p.backoff()
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, fmt.Errorf("%w: %w", ports.ErrContextCanceled, err)
		}

		v, err := runAttempt(ctx, p.Timeout, op)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == p.MaxRetries {
			break
		}

		delay := b.Duration()
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	var perm *permanentError
	if errors.As(lastErr, &perm) {
		return zero, perm.err
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}
