package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig controls exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      bool          `yaml:"jitter"`
}

// DefaultRetryConfig returns the retry profile used for transient network
// conditions.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// TransientError marks an error as retryable. An optional RetryAfter hint
// (from a Retry-After header, for instance) overrides the computed backoff.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TransientAfter wraps an error as retryable with an explicit server-side
// retry hint.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: after}
}

// IsTransient reports whether an error is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Retry runs fn with exponential backoff, retrying only errors marked
// transient. The last error is returned when the attempt budget is
// exhausted. Cancellation aborts between attempts.
func Retry(ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var te *TransientError
		if !errors.As(lastErr, &te) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		if te.RetryAfter > 0 {
			delay = te.RetryAfter
		}

		log.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(lastErr).
			Msg("transient error, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		// Up to 25% jitter to avoid thundering herd on shared endpoints.
		delay += time.Duration(rand.Int63n(int64(delay) / 4))
	}
	return delay
}
