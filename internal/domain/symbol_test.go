package domain

import "testing"

func TestCanonicalizeSymbolIdempotent(t *testing.T) {
	inputs := []string{" aapl ", "MSFT", "brk.b", "  es=f", "SPY"}
	for _, in := range inputs {
		once := CanonicalizeSymbol(in)
		twice := CanonicalizeSymbol(once)
		if once != twice {
			t.Errorf("canonicalization not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestIsValidSymbol(t *testing.T) {
	cases := []struct {
		symbol string
		valid  bool
	}{
		{"AAPL", true},
		{" aapl ", true}, // trimmed before validation
		{"BRK.B", true},
		{"", false},
		{"   ", false},
		{"BRK B", false}, // embedded whitespace
	}
	for _, tc := range cases {
		if got := IsValidSymbol(tc.symbol); got != tc.valid {
			t.Errorf("IsValidSymbol(%q) = %v, want %v", tc.symbol, got, tc.valid)
		}
	}
}

func TestSubscriptionEqual(t *testing.T) {
	base := SymbolSubscription{Symbol: "AAPL", SubscribeTrades: true, SubscribeDepth: true, DepthLevels: 10, Exchange: "SMART"}

	same := base
	same.Exchange = "smart" // case-insensitive
	if !base.Equal(same) {
		t.Error("expected configs differing only in exchange case to be equal")
	}

	changed := base
	changed.DepthLevels = 5
	if base.Equal(changed) {
		t.Error("expected depth level change to be detected")
	}

	changed = base
	changed.SubscribeTrades = false
	if base.Equal(changed) {
		t.Error("expected trades flag change to be detected")
	}
}
