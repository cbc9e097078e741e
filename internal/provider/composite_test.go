package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/resilience"
)

type fakeHistorical struct {
	id        string
	priority  int
	bars      []Bar
	err       error
	available bool
	calls     int
}

func (f *fakeHistorical) ID() string          { return f.id }
func (f *fakeHistorical) DisplayName() string { return f.id }
func (f *fakeHistorical) Priority() int       { return f.priority }
func (f *fakeHistorical) RateLimit() resilience.RateLimitConfig {
	return resilience.RateLimitConfig{}
}
func (f *fakeHistorical) IsAvailable(ctx context.Context) bool { return f.available }
func (f *fakeHistorical) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

func day(n int) time.Time { return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC) }

func barsFixture(closes ...float64) []Bar {
	out := make([]Bar, len(closes))
	for i, c := range closes {
		out[i] = Bar{SessionDate: day(i + 1), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return out
}

func TestCompositeShortCircuitsOnFirstSuccess(t *testing.T) {
	primary := &fakeHistorical{id: "stooq", bars: barsFixture(1, 2, 3), available: true}
	backup := &fakeHistorical{id: "alpaca", bars: barsFixture(9), available: true}

	c := NewComposite(CompositeConfig{}, []HistoricalProvider{primary, backup}, nil, nil)
	bars, err := c.GetDailyBars(context.Background(), "SPY", day(1), day(3))

	require.NoError(t, err)
	assert.Len(t, bars, 3)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, backup.calls, "success must short-circuit")
}

func TestCompositeFallsThroughOnErrorAndEmpty(t *testing.T) {
	failing := &fakeHistorical{id: "a", err: errors.New("boom"), available: true}
	empty := &fakeHistorical{id: "b", available: true}
	working := &fakeHistorical{id: "c", bars: barsFixture(5, 6), available: true}

	c := NewComposite(CompositeConfig{}, []HistoricalProvider{failing, empty, working}, nil, nil)
	bars, err := c.GetDailyBars(context.Background(), "SPY", day(1), day(2))

	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, empty.calls)
}

func TestCompositeAllFail(t *testing.T) {
	a := &fakeHistorical{id: "a", err: errors.New("404"), available: true}
	b := &fakeHistorical{id: "b", err: errors.New("503"), available: true}

	c := NewComposite(CompositeConfig{}, []HistoricalProvider{a, b}, nil, nil)
	_, err := c.GetDailyBars(context.Background(), "ZZZZZ", day(1), day(2))

	require.Error(t, err)
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, ErrCodeAPIError, pErr.Code)
}

func TestCompositeSymbolResolution(t *testing.T) {
	p := &fakeHistorical{id: "stooq", bars: barsFixture(1), available: true}
	var seen string
	resolver := func(ctx context.Context, symbol string) (string, error) {
		seen = symbol
		return "SPY.US", nil
	}

	c := NewComposite(CompositeConfig{}, []HistoricalProvider{p}, resolver, nil)
	_, err := c.GetDailyBars(context.Background(), "SPY", day(1), day(1))

	require.NoError(t, err)
	assert.Equal(t, "SPY", seen, "resolver sees the raw symbol")
}

func TestCompositeCrossValidation(t *testing.T) {
	primary := &fakeHistorical{id: "stooq", bars: barsFixture(100), available: true}
	divergent := &fakeHistorical{id: "alpaca", bars: barsFixture(150), available: true}

	var integrity []domain.Event
	emitter := func(ev domain.Event) { integrity = append(integrity, ev) }

	c := NewComposite(CompositeConfig{CrossValidate: true, Tolerance: 0.01},
		[]HistoricalProvider{primary, divergent}, nil, emitter)

	bars, err := c.GetDailyBars(context.Background(), "SPY", day(1), day(1))
	require.NoError(t, err)
	assert.Equal(t, float64(100), bars[0].Close, "primary data is returned despite divergence")

	require.Len(t, integrity, 1)
	ip := integrity[0].Payload.(domain.IntegrityPayload)
	assert.Equal(t, domain.IntegrityCrossValidation, ip.Kind)
}

func TestCompositeIsAvailable(t *testing.T) {
	down := &fakeHistorical{id: "a"}
	up := &fakeHistorical{id: "b", available: true}

	c := NewComposite(CompositeConfig{}, []HistoricalProvider{down, up}, nil, nil)
	assert.True(t, c.IsAvailable(context.Background()))

	onlyDown := NewComposite(CompositeConfig{}, []HistoricalProvider{down}, nil, nil)
	assert.False(t, onlyDown.IsAvailable(context.Background()))
}
