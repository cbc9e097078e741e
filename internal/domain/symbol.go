package domain

import (
	"strings"
	"unicode"
)

// CanonicalizeSymbol maps a raw vendor symbol to its canonical form:
// trimmed and uppercased. Canonicalization is idempotent.
func CanonicalizeSymbol(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// IsValidSymbol reports whether a symbol is acceptable after
// canonicalization: non-empty with no embedded whitespace.
func IsValidSymbol(symbol string) bool {
	s := CanonicalizeSymbol(symbol)
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// SymbolSubscription describes the desired data flags for one symbol. Keyed
// by canonical symbol in the coordinator.
type SymbolSubscription struct {
	Symbol          string `json:"symbol" yaml:"symbol"`
	SubscribeTrades bool   `json:"subscribe_trades" yaml:"subscribe_trades"`
	SubscribeDepth  bool   `json:"subscribe_depth" yaml:"subscribe_depth"`
	DepthLevels     int    `json:"depth_levels" yaml:"depth_levels"`
	Exchange        string `json:"exchange,omitempty" yaml:"exchange"`
	PrimaryExchange string `json:"primary_exchange,omitempty" yaml:"primary_exchange"`
	LocalSymbol     string `json:"local_symbol,omitempty" yaml:"local_symbol"`
	SecurityType    string `json:"security_type,omitempty" yaml:"security_type"`
	Currency        string `json:"currency,omitempty" yaml:"currency"`
}

// Canonical returns the canonical key for this subscription.
func (s SymbolSubscription) Canonical() string {
	return CanonicalizeSymbol(s.Symbol)
}

// Equal reports whether two subscription configs request the same data.
// String fields compare case-insensitively; a change in any of these fields
// forces the coordinator to update the live subscription.
func (s SymbolSubscription) Equal(other SymbolSubscription) bool {
	return s.SubscribeTrades == other.SubscribeTrades &&
		s.SubscribeDepth == other.SubscribeDepth &&
		s.DepthLevels == other.DepthLevels &&
		strings.EqualFold(s.Exchange, other.Exchange) &&
		strings.EqualFold(s.LocalSymbol, other.LocalSymbol) &&
		strings.EqualFold(s.PrimaryExchange, other.PrimaryExchange)
}
