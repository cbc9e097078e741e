package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedrun/feedrun/internal/domain"
)

func ts(sec int) time.Time {
	loc := time.FixedZone("EST", -5*3600)
	return time.Date(2024, 6, 3, 9, 30, sec, 0, loc)
}

func rawTrade(symbol string, seq uint64, side domain.AggressorSide) domain.Event {
	ev := domain.NewEvent("alpaca", symbol, domain.EventTrade, ts(int(seq)),
		&domain.TradePayload{Price: 101.5, Size: 10, Side: side})
	ev.Sequence = seq
	ev.Tier = domain.TierRaw
	return ev
}

func TestCanonicalizeIdempotent(t *testing.T) {
	ev := rawTrade(" spy ", 1, "aggressive_buy")

	once := Canonicalize(ev)
	twice := Canonicalize(once)

	assert.Equal(t, once, twice)
	assert.Equal(t, "SPY", once.CanonicalSymbol)
	assert.Equal(t, time.UTC, once.Timestamp.Location())
	assert.Equal(t, domain.TierNormalized, once.Tier)

	tp := once.Payload.(*domain.TradePayload)
	assert.Equal(t, domain.SideUnknown, tp.Side, "unrecognized side becomes unknown")
}

func TestCanonicalizeKeepsValidSides(t *testing.T) {
	for _, side := range []domain.AggressorSide{domain.SideBuy, domain.SideSell} {
		out := Canonicalize(rawTrade("SPY", 1, side))
		assert.Equal(t, side, out.Payload.(*domain.TradePayload).Side)
	}
}

func TestProcessDuplicateSequenceSuppressed(t *testing.T) {
	var integrity []domain.Event
	n := New(func(ev domain.Event) { integrity = append(integrity, ev) })

	_, ok := n.Process(rawTrade("SPY", 41, domain.SideBuy))
	require.True(t, ok)
	_, ok = n.Process(rawTrade("SPY", 42, domain.SideBuy))
	require.True(t, ok)

	// The vendor re-delivers sequence 42 after a reconnect.
	_, ok = n.Process(rawTrade("SPY", 42, domain.SideBuy))
	assert.False(t, ok)

	require.Len(t, integrity, 1)
	ip := integrity[0].Payload.(domain.IntegrityPayload)
	assert.Equal(t, domain.IntegrityDuplicate, ip.Kind)
	assert.Equal(t, "SPY", integrity[0].Symbol)

	// Later sequences flow through again.
	_, ok = n.Process(rawTrade("SPY", 43, domain.SideBuy))
	assert.True(t, ok)
}

func TestProcessSequenceSpacesAreIndependent(t *testing.T) {
	n := New(nil)

	_, ok := n.Process(rawTrade("SPY", 7, domain.SideBuy))
	require.True(t, ok)

	// Same sequence on a different symbol is not a duplicate.
	_, ok = n.Process(rawTrade("QQQ", 7, domain.SideBuy))
	assert.True(t, ok)

	// Same sequence from a different source is not a duplicate either.
	other := rawTrade("SPY", 7, domain.SideBuy)
	other.Source = "polygon"
	_, ok = n.Process(other)
	assert.True(t, ok)
}

func TestProcessOutOfOrderSuppressed(t *testing.T) {
	var integrity []domain.Event
	n := New(func(ev domain.Event) { integrity = append(integrity, ev) })

	_, ok := n.Process(rawTrade("SPY", 10, domain.SideSell))
	require.True(t, ok)
	_, ok = n.Process(rawTrade("SPY", 5, domain.SideSell))
	assert.False(t, ok)

	require.Len(t, integrity, 1)
	assert.Equal(t, domain.IntegrityOutOfOrder, integrity[0].Payload.(domain.IntegrityPayload).Kind)
}

func TestProcessZeroSequenceNeverDeduped(t *testing.T) {
	n := New(nil)
	hb := domain.NewHeartbeat("alpaca")
	_, ok := n.Process(hb)
	require.True(t, ok)
	_, ok = n.Process(hb)
	assert.True(t, ok, "sequence 0 means unsequenced")
}

func TestProcessInvalidBarDiscarded(t *testing.T) {
	var integrity []domain.Event
	n := New(func(ev domain.Event) { integrity = append(integrity, ev) })

	bad := domain.NewEvent("stooq", "SPY", domain.EventHistoricalBar, ts(0),
		&domain.BarPayload{Open: 10, High: 9, Low: 11, Close: 10, Interval: "1d"})
	_, ok := n.Process(bad)
	assert.False(t, ok)

	require.Len(t, integrity, 1)
	assert.Equal(t, domain.IntegrityInvalidBar, integrity[0].Payload.(domain.IntegrityPayload).Kind)

	good := domain.NewEvent("stooq", "SPY", domain.EventHistoricalBar, ts(0),
		&domain.BarPayload{Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100, Interval: "1d"})
	_, ok = n.Process(good)
	assert.True(t, ok)
}

func TestProcessInvalidTradeDiscarded(t *testing.T) {
	var integrity []domain.Event
	n := New(func(ev domain.Event) { integrity = append(integrity, ev) })

	bad := domain.NewEvent("alpaca", "SPY", domain.EventTrade, ts(0),
		&domain.TradePayload{Price: 0, Size: 10, Side: domain.SideBuy})
	_, ok := n.Process(bad)
	assert.False(t, ok)

	zeroSize := domain.NewEvent("alpaca", "SPY", domain.EventTrade, ts(1),
		&domain.TradePayload{Price: 101.5, Size: 0, Side: domain.SideBuy})
	_, ok = n.Process(zeroSize)
	assert.False(t, ok)

	require.Len(t, integrity, 2)
	for _, ev := range integrity {
		assert.Equal(t, domain.IntegrityInvalidTrade, ev.Payload.(domain.IntegrityPayload).Kind)
	}

	_, ok = n.Process(rawTrade("SPY", 1, domain.SideBuy))
	assert.True(t, ok, "valid trades still flow")
}

func TestProcessCrossedBookDiscarded(t *testing.T) {
	var integrity []domain.Event
	n := New(func(ev domain.Event) { integrity = append(integrity, ev) })

	// Bids must be non-increasing; this book has a higher bid below the top.
	bad := domain.NewEvent("polygon", "SPY", domain.EventL2Snapshot, ts(0),
		&domain.L2SnapshotPayload{
			Bids: []domain.BookLevel{{Price: 100, Size: 5}, {Price: 101, Size: 5}},
			Asks: []domain.BookLevel{{Price: 102, Size: 5}},
		})
	_, ok := n.Process(bad)
	assert.False(t, ok)

	require.Len(t, integrity, 1)
	assert.Equal(t, domain.IntegrityInvalidBook, integrity[0].Payload.(domain.IntegrityPayload).Kind)

	good := domain.NewEvent("polygon", "SPY", domain.EventL2Snapshot, ts(1),
		&domain.L2SnapshotPayload{
			Bids: []domain.BookLevel{{Price: 101, Size: 5}, {Price: 100, Size: 5}},
			Asks: []domain.BookLevel{{Price: 102, Size: 5}, {Price: 103, Size: 5}},
		})
	_, ok = n.Process(good)
	assert.True(t, ok)
}

func TestResetClearsOneSource(t *testing.T) {
	n := New(nil)

	_, ok := n.Process(rawTrade("SPY", 5, domain.SideBuy))
	require.True(t, ok)
	poly := rawTrade("SPY", 5, domain.SideBuy)
	poly.Source = "polygon"
	_, ok = n.Process(poly)
	require.True(t, ok)

	n.Reset("alpaca")

	// The alpaca sequence space restarted; polygon's did not.
	_, ok = n.Process(rawTrade("SPY", 1, domain.SideBuy))
	assert.True(t, ok)
	poly1 := rawTrade("SPY", 1, domain.SideBuy)
	poly1.Source = "polygon"
	_, ok = n.Process(poly1)
	assert.False(t, ok)
}
