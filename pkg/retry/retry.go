package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

// RetryConfig controls how an operation is re-attempted
type RetryConfig struct {
	MaxRetries      int                   // Total attempts, including the first
	InitialDelay    time.Duration         // Delay before the second attempt
	MaxDelay        time.Duration         // Upper bound for any single delay
	BackoffFactor   float64               // 1.0 gives a fixed delay
	JitterFactor    float64               // Fraction of the delay added at random
	LogRetryAttempt bool                  // Log each failed attempt at Warn
	ShouldRetry     func(error, int) bool // (error, attempt) -> retry?
}

// DefaultRetryConfig is exponential backoff used by HTTP calls
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      5,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		JitterFactor:    0.2,
		LogRetryAttempt: true,
	}
}

// FixedRetryConfig retries with a constant delay and no jitter.
// The chain client uses it so a slow RPC has a predictable upper bound.
func FixedRetryConfig(attempts int, delay time.Duration) *RetryConfig {
	return &RetryConfig{
		MaxRetries:      attempts,
		InitialDelay:    delay,
		MaxDelay:        delay,
		BackoffFactor:   1.0,
		JitterFactor:    0,
		LogRetryAttempt: true,
	}
}

func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 1 {
		return errors.New("MaxRetries must be >= 1")
	}
	if c.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return errors.New("MaxDelay must be >= InitialDelay")
	}
	if c.BackoffFactor < 1.0 {
		return errors.New("BackoffFactor must be >= 1.0")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1.0 {
		return errors.New("JitterFactor must be between 0.0 and 1.0")
	}
	return nil
}

// permanentError stops the retry loop on the first occurrence
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func secureFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return mathrand.Float64()
	}
	return float64(binary.BigEndian.Uint64(b[:])) / (1 << 64)
}

func withJitter(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	return base + time.Duration(jitterFactor*float64(base)*secureFloat64())
}

func nextDelay(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

// Retry runs operation until it succeeds, returns a Permanent error,
// the predicate refuses, attempts run out or ctx is done.
func Retry[T any](ctx context.Context, operation func() (T, error), cfg *RetryConfig, logger logging.Logger) (T, error) {
	var zero T
	if cfg == nil {
		cfg = DefaultRetryConfig()
	} else if err := cfg.Validate(); err != nil {
		return zero, fmt.Errorf("invalid retry config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err, attempt) {
			return zero, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		sleep := withJitter(delay, cfg.JitterFactor)
		if cfg.LogRetryAttempt {
			logger.Warnf("Attempt %d/%d failed: %v. Retrying in %v...", attempt, cfg.MaxRetries, err, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
			delay = nextDelay(delay, cfg.BackoffFactor, cfg.MaxDelay)
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

// RetryFunc is Retry for operations without a result
func RetryFunc(ctx context.Context, operation func() error, cfg *RetryConfig, logger logging.Logger) error {
	_, err := Retry(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg, logger)
	return err
}
