// Package provider defines the uniform streaming and historical provider
// contracts, the process-wide registry, and plugin-style discovery.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/resilience"
)

// SubscriptionUnavailable is the sentinel subscription id a provider
// returns when it cannot currently honor a subscription. The coordinator
// remembers the intent and retries on the next reconciliation.
const SubscriptionUnavailable int64 = -1

// Emitter receives canonical events from a provider adapter. Adapters must
// never block inside the emitter; the pipeline's Publish is O(1) in
// drop-oldest mode for exactly this reason.
type Emitter func(domain.Event)

// Capabilities declares what a streaming provider can serve.
type Capabilities struct {
	SupportsTrades bool                       `json:"supports_trades"`
	SupportsQuotes bool                       `json:"supports_quotes"`
	SupportsDepth  bool                       `json:"supports_depth"`
	MaxDepthLevels int                        `json:"max_depth_levels"`
	RateLimit      resilience.RateLimitConfig `json:"rate_limit"`
}

// StreamingProvider is the uniform contract for live market data vendors.
// Connect and Disconnect are idempotent. Subscription ids are positive;
// SubscriptionUnavailable signals "remember intent and retry later".
// Adapters emit TradeReceived/QuoteReceived/DepthUpdateReceived as canonical
// events through the Emitter and surface disconnects as integrity events.
type StreamingProvider interface {
	ID() string
	DisplayName() string
	Priority() int
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SubscribeMarketDepth(ctx context.Context, sub domain.SymbolSubscription) (int64, error)
	UnsubscribeMarketDepth(ctx context.Context, id int64) error
	SubscribeTrades(ctx context.Context, sub domain.SymbolSubscription) (int64, error)
	UnsubscribeTrades(ctx context.Context, id int64) error
}

// Bar is a single daily OHLCV bar from a historical provider.
type Bar struct {
	SessionDate time.Time `json:"session_date"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
}

// HistoricalProvider is the uniform contract for bulk historical fetch.
// Returned bars are ascending by session date and deduplicated.
type HistoricalProvider interface {
	ID() string
	DisplayName() string
	Priority() int

	GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
	IsAvailable(ctx context.Context) bool
	RateLimit() resilience.RateLimitConfig
}

// AdjustedBarProvider is an optional extension for split/dividend adjusted
// bars.
type AdjustedBarProvider interface {
	GetAdjustedDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
}

// Error is the provider-level error taxonomy. Temporary errors are retried
// by the resilience layer; the rest surface per-call.
type Error struct {
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	RateLimited bool   `json:"rate_limited"`
	Temporary   bool   `json:"temporary"`
	Cause       error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Common error codes.
const (
	ErrCodeRateLimit      = "RATE_LIMIT"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInvalidSymbol  = "INVALID_SYMBOL"
	ErrCodeAuthentication = "AUTH_ERROR"
	ErrCodeAPIError       = "API_ERROR"
	ErrCodeNetworkError   = "NETWORK_ERROR"
	ErrCodeInvalidData    = "INVALID_DATA"
	ErrCodeUnavailable    = "UNAVAILABLE"
)

// NewError builds a provider error.
func NewError(providerID, code, message string, cause error) *Error {
	return &Error{
		Provider:  providerID,
		Code:      code,
		Message:   message,
		Temporary: code == ErrCodeRateLimit || code == ErrCodeTimeout || code == ErrCodeNetworkError,
		Cause:     cause,
	}
}

// SortBars orders bars ascending by session date and drops duplicate
// sessions, keeping the first occurrence.
func SortBars(bars []Bar) []Bar {
	if len(bars) < 2 {
		return bars
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	// Stable so the first occurrence of a duplicate session wins.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SessionDate.Before(out[j].SessionDate)
	})
	dedup := out[:1]
	for _, b := range out[1:] {
		if !b.SessionDate.Equal(dedup[len(dedup)-1].SessionDate) {
			dedup = append(dedup, b)
		}
	}
	return dedup
}
