// Package coordinator reconciles the desired symbol set from configuration
// against the live subscription state of the active streaming provider.
package coordinator

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/provider"
)

// subState is the live subscription state for one canonical symbol.
// Ids follow the provider contract: positive means active,
// provider.SubscriptionUnavailable means the intent is remembered and retried
// on the next reconciliation, zero means no subscription was requested.
type subState struct {
	depthID int64
	tradeID int64
}

// Coordinator applies subscription configs to one streaming provider at a
// time. All mutation is serialized under a single reconciliation lock so a
// hot reload and a failover switch can never interleave.
type Coordinator struct {
	mu       sync.Mutex
	active   provider.StreamingProvider
	previous map[string]domain.SymbolSubscription
	state    map[string]*subState
}

// New creates a coordinator pointed at the initially active provider.
func New(active provider.StreamingProvider) *Coordinator {
	return &Coordinator{
		active:   active,
		previous: make(map[string]domain.SymbolSubscription),
		state:    make(map[string]*subState),
	}
}

// ActiveProvider returns the provider subscriptions are currently issued
// against.
func (c *Coordinator) ActiveProvider() provider.StreamingProvider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Apply reconciles the desired symbol set against the current subscription
// state. Per-symbol vendor errors are logged and remembered; they never abort
// the reconciliation.
func (c *Coordinator) Apply(ctx context.Context, symbols []domain.SymbolSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcile(ctx, symbols)
}

// SwitchProvider re-points the coordinator at a new active provider and
// re-issues the last applied symbol set against it. The old provider's
// subscription ids are forgotten, not unsubscribed: it is presumed
// unavailable.
func (c *Coordinator) SwitchProvider(ctx context.Context, next provider.StreamingProvider) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Info().
		Str("from", c.active.ID()).
		Str("to", next.ID()).
		Msg("coordinator switching provider")

	symbols := make([]domain.SymbolSubscription, 0, len(c.previous))
	for _, sub := range c.previous {
		symbols = append(symbols, sub)
	}

	c.active = next
	c.state = make(map[string]*subState)
	c.previous = make(map[string]domain.SymbolSubscription)
	return c.reconcile(ctx, symbols)
}

// Snapshot reports the symbols with at least one active subscription id.
func (c *Coordinator) Snapshot() map[string]domain.SymbolSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.SymbolSubscription, len(c.previous))
	for key, sub := range c.previous {
		out[key] = sub
	}
	return out
}

// ActiveCount returns the number of live (positive-id) subscriptions.
func (c *Coordinator) ActiveCount() (depth, trades int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.state {
		if st.depthID > 0 {
			depth++
		}
		if st.tradeID > 0 {
			trades++
		}
	}
	return depth, trades
}

func (c *Coordinator) reconcile(ctx context.Context, symbols []domain.SymbolSubscription) error {
	desired := make(map[string]domain.SymbolSubscription, len(symbols))
	for _, sub := range symbols {
		key := sub.Canonical()
		if key == "" || !domain.IsValidSymbol(sub.Symbol) {
			log.Warn().Str("symbol", sub.Symbol).Msg("skipping invalid symbol")
			continue
		}
		desired[key] = sub
	}

	// Drop everything no longer desired.
	for key, st := range c.state {
		if _, keep := desired[key]; keep {
			continue
		}
		c.teardown(ctx, key, st)
		delete(c.state, key)
		delete(c.previous, key)
	}

	for key, sub := range desired {
		prev, seen := c.previous[key]
		switch {
		case !seen:
			log.Info().Str("symbol", key).Msg("subscribing")
		case !prev.Equal(sub):
			log.Info().Str("symbol", key).Msg("updating subscription")
		}

		st := c.state[key]
		if st == nil {
			st = &subState{}
			c.state[key] = st
		}

		if sub.SubscribeDepth && st.depthID <= 0 {
			id, err := c.active.SubscribeMarketDepth(ctx, sub)
			if err != nil {
				log.Warn().Err(err).Str("symbol", key).Str("provider", c.active.ID()).
					Msg("market depth subscription failed")
				st.depthID = provider.SubscriptionUnavailable
			} else {
				st.depthID = id
			}
		} else if !sub.SubscribeDepth && st.depthID != 0 {
			if st.depthID > 0 {
				if err := c.active.UnsubscribeMarketDepth(ctx, st.depthID); err != nil {
					log.Warn().Err(err).Str("symbol", key).Msg("market depth unsubscribe failed")
				}
			}
			st.depthID = 0
		}

		if sub.SubscribeTrades && st.tradeID <= 0 {
			id, err := c.active.SubscribeTrades(ctx, sub)
			if err != nil {
				log.Warn().Err(err).Str("symbol", key).Str("provider", c.active.ID()).
					Msg("trade subscription failed")
				st.tradeID = provider.SubscriptionUnavailable
			} else {
				st.tradeID = id
			}
		} else if !sub.SubscribeTrades && st.tradeID != 0 {
			if st.tradeID > 0 {
				if err := c.active.UnsubscribeTrades(ctx, st.tradeID); err != nil {
					log.Warn().Err(err).Str("symbol", key).Msg("trade unsubscribe failed")
				}
			}
			st.tradeID = 0
		}

		c.previous[key] = sub
	}

	return nil
}

func (c *Coordinator) teardown(ctx context.Context, key string, st *subState) {
	log.Info().Str("symbol", key).Msg("unsubscribing")
	if st.depthID > 0 {
		if err := c.active.UnsubscribeMarketDepth(ctx, st.depthID); err != nil {
			log.Warn().Err(err).Str("symbol", key).Msg("market depth unsubscribe failed")
		}
	}
	if st.tradeID > 0 {
		if err := c.active.UnsubscribeTrades(ctx, st.tradeID); err != nil {
			log.Warn().Err(err).Str("symbol", key).Msg("trade unsubscribe failed")
		}
	}
}
