package provider

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/resilience"
)

// CompositeID is the provider id of the composite historical provider.
const CompositeID = "composite"

// SymbolResolver maps a raw symbol to the canonical lookup symbol before
// dispatch. Returning the input unchanged is valid.
type SymbolResolver func(ctx context.Context, symbol string) (string, error)

// CompositeConfig tunes the composite provider.
type CompositeConfig struct {
	// CrossValidate fetches from the second-ranked provider as well and
	// emits an integrity event when results diverge beyond Tolerance. The
	// primary provider's data is returned either way.
	CrossValidate bool    `yaml:"cross_validate"`
	Tolerance     float64 `yaml:"tolerance"` // relative close-price divergence, default 0.01
}

// Composite wraps an ordered list of historical providers. The
// highest-priority provider is tried first; empty results and errors fall
// through to the next. A successful fetch short-circuits.
type Composite struct {
	cfg       CompositeConfig
	providers []HistoricalProvider
	resolver  SymbolResolver
	emitter   Emitter
}

// NewComposite creates a composite over providers ordered highest priority
// first. The emitter, when non-nil, receives cross-validation integrity
// events.
func NewComposite(cfg CompositeConfig, providers []HistoricalProvider, resolver SymbolResolver, emitter Emitter) *Composite {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.01
	}
	return &Composite{
		cfg:       cfg,
		providers: providers,
		resolver:  resolver,
		emitter:   emitter,
	}
}

// ID implements HistoricalProvider.
func (c *Composite) ID() string { return CompositeID }

// DisplayName implements HistoricalProvider.
func (c *Composite) DisplayName() string { return "Composite (ordered fallback)" }

// Priority implements HistoricalProvider.
func (c *Composite) Priority() int { return 0 }

// RateLimit implements HistoricalProvider. The composite defers limiting
// to its backing providers.
func (c *Composite) RateLimit() resilience.RateLimitConfig {
	return resilience.RateLimitConfig{}
}

// IsAvailable reports whether any backing provider is available.
func (c *Composite) IsAvailable(ctx context.Context) bool {
	for _, p := range c.providers {
		if p.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// GetDailyBars fans out to backing providers in priority order.
func (c *Composite) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error) {
	if len(c.providers) == 0 {
		return nil, NewError(CompositeID, ErrCodeUnavailable, "no backing providers", nil)
	}

	lookup := symbol
	if c.resolver != nil {
		resolved, err := c.resolver(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("symbol resolution failed, using raw symbol")
		} else if resolved != "" {
			lookup = resolved
		}
	}

	var lastErr error
	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bars, err := p.GetDailyBars(ctx, lookup, from, to)
		if err != nil {
			log.Debug().Err(err).Str("provider", p.ID()).Str("symbol", lookup).
				Msg("composite: provider failed, trying next")
			lastErr = err
			continue
		}
		if len(bars) == 0 {
			lastErr = NewError(p.ID(), ErrCodeInvalidData, fmt.Sprintf("empty result for %s", lookup), nil)
			continue
		}

		bars = SortBars(bars)
		if c.cfg.CrossValidate && i+1 < len(c.providers) {
			c.crossValidate(ctx, lookup, bars, c.providers[i+1], from, to)
		}
		return bars, nil
	}

	return nil, NewError(CompositeID, ErrCodeAPIError,
		fmt.Sprintf("all providers failed for %s", lookup), lastErr)
}

// crossValidate compares closes between the primary result and a secondary
// provider. Divergence beyond tolerance is surfaced as an integrity event;
// the primary data stands.
func (c *Composite) crossValidate(ctx context.Context, symbol string, primary []Bar, secondary HistoricalProvider, from, to time.Time) {
	other, err := secondary.GetDailyBars(ctx, symbol, from, to)
	if err != nil || len(other) == 0 {
		return
	}
	other = SortBars(other)

	byDate := make(map[time.Time]Bar, len(other))
	for _, b := range other {
		byDate[b.SessionDate] = b
	}

	for _, b := range primary {
		ref, ok := byDate[b.SessionDate]
		if !ok || ref.Close == 0 {
			continue
		}
		divergence := math.Abs(b.Close-ref.Close) / ref.Close
		if divergence > c.cfg.Tolerance {
			log.Warn().
				Str("symbol", symbol).
				Time("session", b.SessionDate).
				Float64("divergence", divergence).
				Str("secondary", secondary.ID()).
				Msg("cross-validation divergence")
			if c.emitter != nil {
				c.emitter(domain.NewIntegrityEvent(CompositeID, symbol, domain.IntegrityPayload{
					Kind:     domain.IntegrityCrossValidation,
					Severity: domain.SeverityWarning,
					Message: fmt.Sprintf("close divergence %.4f vs %s on %s",
						divergence, secondary.ID(), b.SessionDate.Format("2006-01-02")),
				}))
			}
			return
		}
	}
}
