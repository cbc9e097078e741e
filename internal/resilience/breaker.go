package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig controls circuit breaker behavior for one outbound
// dependency.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	BreakDuration    time.Duration `yaml:"break_duration"`
}

// DefaultBreakerConfig returns the breaker profile used for provider HTTP
// and websocket endpoints.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		BreakDuration:    30 * time.Second,
	}
}

// Breaker wraps gobreaker with the consecutive-failure trip policy the
// providers expect: open after N consecutive failures, stay open for the
// break duration, then allow a single half-open probe.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a named circuit breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        name,
		Timeout:     cfg.BreakDuration,
		MaxRequests: 1, // single probe in half-open
	}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= cfg.FailureThreshold
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// Execute runs fn under the breaker. When the circuit is open the call is
// rejected without invoking fn.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// Do runs an error-only function under the breaker.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state as a string ("closed", "open",
// "half-open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}
