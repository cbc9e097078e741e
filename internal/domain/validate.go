package domain

import "fmt"

// ValidateTrade checks the trade payload invariants: positive price and a
// size of at least one unit.
func ValidateTrade(p TradePayload) error {
	if p.Price <= 0 {
		return fmt.Errorf("trade price must be positive, got %v", p.Price)
	}
	if p.Size < 1 {
		return fmt.Errorf("trade size must be >= 1, got %v", p.Size)
	}
	return nil
}

// ValidateL2Snapshot checks book ordering: bids non-increasing in price,
// asks non-decreasing.
func ValidateL2Snapshot(p L2SnapshotPayload) error {
	for i := 1; i < len(p.Bids); i++ {
		if p.Bids[i].Price > p.Bids[i-1].Price {
			return fmt.Errorf("bid side not non-increasing at level %d: %v > %v",
				i, p.Bids[i].Price, p.Bids[i-1].Price)
		}
	}
	for i := 1; i < len(p.Asks); i++ {
		if p.Asks[i].Price < p.Asks[i-1].Price {
			return fmt.Errorf("ask side not non-decreasing at level %d: %v < %v",
				i, p.Asks[i].Price, p.Asks[i-1].Price)
		}
	}
	return nil
}

// ValidateBar checks OHLC consistency: all four values positive and
// low <= min(open, close) <= max(open, close) <= high.
func ValidateBar(p BarPayload) error {
	if p.Open <= 0 || p.High <= 0 || p.Low <= 0 || p.Close <= 0 {
		return fmt.Errorf("bar OHLC values must be positive: o=%v h=%v l=%v c=%v",
			p.Open, p.High, p.Low, p.Close)
	}
	lo, hi := p.Open, p.Close
	if hi < lo {
		lo, hi = hi, lo
	}
	if p.Low > lo {
		return fmt.Errorf("bar low %v above min(open, close) %v", p.Low, lo)
	}
	if p.High < hi {
		return fmt.Errorf("bar high %v below max(open, close) %v", p.High, hi)
	}
	return nil
}
