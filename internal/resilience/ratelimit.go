package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig declares a provider's request budget: a sliding-window
// token bucket plus a minimum delay between consecutive requests.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	MinDelay    time.Duration `yaml:"min_delay"`
}

// Limiter gates outbound requests with a token bucket and an optional
// minimum inter-request delay. Callers Acquire before each request; the call
// blocks until a slot is available or the context is cancelled.
type Limiter struct {
	bucket   *rate.Limiter
	minDelay time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// NewLimiter creates a limiter from a rate limit declaration. A zero
// MaxRequests disables the bucket; a zero MinDelay disables pacing.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	l := &Limiter{minDelay: cfg.MinDelay}
	if cfg.MaxRequests > 0 {
		window := cfg.Window
		if window <= 0 {
			window = time.Second
		}
		rps := float64(cfg.MaxRequests) / window.Seconds()
		l.bucket = rate.NewLimiter(rate.Limit(rps), cfg.MaxRequests)
	}
	return l
}

// Acquire blocks until the caller may issue one request.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.waitMinDelay(ctx); err != nil {
		return err
	}
	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) waitMinDelay(ctx context.Context) error {
	if l.minDelay <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	next := l.lastCall.Add(l.minDelay)
	if next.Before(now) {
		next = now
	}
	l.lastCall = next
	l.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
