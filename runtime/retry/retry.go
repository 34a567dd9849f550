// Package retry provides the retry loop and exponential backoff used by
// model clients when establishing streaming connections. It includes
// retryable error detection, server-directed delay overrides, and
// cancellation-aware waiting.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/irichard00/codex-study-sub000/runtime/model"
)

// Config configures retry behavior for connection attempts.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// attempt). A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries, applied before jitter.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff grows per attempt.
	// A value of 2.0 provides exponential backoff.
	BackoffMultiplier float64
	// Jitter adds up to this fraction of random extra delay to prevent
	// thundering herd. A value of 0.1 adds up to 10%.
	Jitter float64
}

// DefaultConfig returns the default retry configuration for streaming
// connection attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       4,
		InitialBackoff:    time.Second,
		MaxBackoff:        32 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned when all attempts have been exhausted.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the total time spent across attempts and waits.
	TotalDuration time.Duration
	// LastError is the error from the last attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// IsRetryable determines whether another attempt may succeed.
// Classified provider errors carry their own retry decision; transport
// errors that never produced a response are retryable, caller cancellation
// and stream integrity violations are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false // caller cancelled, don't retry
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true // timeout, may succeed on retry
	}

	if pe, ok := model.AsProviderError(err); ok {
		return pe.Retryable()
	}
	if _, ok := model.AsStreamIntegrityError(err); ok {
		return false // partial streams cannot be replayed safely
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	return false
}

// Backoff computes the delay before retrying attempt (0-based): the initial
// backoff doubled per attempt, capped at MaxBackoff, then stretched by up to
// Jitter extra. The cap applies before jitter, so the result never exceeds
// MaxBackoff*(1+Jitter).
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff *= 1 + cfg.Jitter*rand.Float64() //nolint:gosec // jitter doesn't need crypto rand
	}
	return time.Duration(backoff)
}

// Wait sleeps for the given delay or until ctx is done, whichever comes
// first. A cancelled wait returns ctx.Err() so callers never begin another
// attempt after cancellation.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes fn with retry. Each failure is classified via IsRetryable:
// non-retryable errors propagate immediately, retryable ones trigger another
// attempt after a wait. When the failed attempt carries a server-provided
// Retry-After delay it takes precedence over the computed backoff. A wait
// interrupted by ctx aborts the whole loop with ctx.Err().
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := Backoff(cfg, attempt)
		if pe, ok := model.AsProviderError(err); ok {
			if ra := pe.RetryAfter(); ra != nil {
				delay = *ra
			}
		}
		if werr := Wait(ctx, delay); werr != nil {
			return zero, werr
		}
	}

	return zero, &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}
