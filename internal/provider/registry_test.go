package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedrun/feedrun/internal/domain"
)

type fakeStreaming struct {
	id       string
	priority int
}

func (f *fakeStreaming) ID() string                 { return f.id }
func (f *fakeStreaming) DisplayName() string        { return f.id }
func (f *fakeStreaming) Priority() int              { return f.priority }
func (f *fakeStreaming) Capabilities() Capabilities { return Capabilities{SupportsTrades: true} }
func (f *fakeStreaming) Connect(ctx context.Context) error {
	return nil
}
func (f *fakeStreaming) Disconnect(ctx context.Context) error { return nil }
func (f *fakeStreaming) SubscribeMarketDepth(ctx context.Context, sub domain.SymbolSubscription) (int64, error) {
	return 1, nil
}
func (f *fakeStreaming) UnsubscribeMarketDepth(ctx context.Context, id int64) error { return nil }
func (f *fakeStreaming) SubscribeTrades(ctx context.Context, sub domain.SymbolSubscription) (int64, error) {
	return 2, nil
}
func (f *fakeStreaming) UnsubscribeTrades(ctx context.Context, id int64) error { return nil }

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.RegisterStreaming(&fakeStreaming{id: "alpaca", priority: 10}))
	require.NoError(t, reg.RegisterStreaming(&fakeStreaming{id: "polygon", priority: 20}))

	err := reg.RegisterStreaming(&fakeStreaming{id: "alpaca"})
	assert.Error(t, err, "duplicate registration must be rejected")

	p, err := reg.GetStreaming("alpaca")
	require.NoError(t, err)
	assert.Equal(t, "alpaca", p.ID())

	_, err = reg.GetStreaming("nope")
	assert.Error(t, err)

	ordered := reg.StreamingProviders()
	require.Len(t, ordered, 2)
	assert.Equal(t, "polygon", ordered[0].ID(), "higher priority first")
}

func TestRegistryHealthTracking(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterStreaming(&fakeStreaming{id: "alpaca"}))

	h := reg.HealthOf("alpaca")
	h.RecordFailure("connection refused")
	h.RecordFailure("connection refused")
	h.RecordSuccess(15 * time.Millisecond)

	state := reg.HealthOf("alpaca").Snapshot()
	assert.Equal(t, 0, state.ConsecutiveFailures, "success resets failure streak")
	assert.Equal(t, 1, state.ConsecutiveSuccesses)
	assert.Equal(t, int64(2), state.TotalFailures)
	assert.Greater(t, state.AvgLatencyMS, 0.0)
	assert.Len(t, state.RecentIssues, 2)

	// Never-seen providers get a fresh tracker so failover can score them.
	fresh := reg.HealthOf("unseen").Snapshot()
	assert.Equal(t, 0, fresh.ConsecutiveFailures)
}

func TestHealthTrackerIssueRingBounded(t *testing.T) {
	h := NewHealthTracker("x")
	for i := 0; i < 100; i++ {
		h.RecordFailure("issue")
	}
	state := h.Snapshot()
	assert.Len(t, state.RecentIssues, issueRingSize)
	assert.Equal(t, 100, state.ConsecutiveFailures)
}

type credPlugin struct {
	registered bool
	fields     []CredentialField
}

func (p *credPlugin) Info() PluginInfo {
	return PluginInfo{ID: "testvendor", DisplayName: "Test Vendor", Version: "1.0"}
}
func (p *credPlugin) CredentialFields() []CredentialField { return p.fields }
func (p *credPlugin) Register(ctx context.Context, reg *Registry, creds Credentials) error {
	p.registered = true
	return reg.RegisterStreaming(&fakeStreaming{id: "testvendor"})
}

func TestRegisterPluginsCredentialGating(t *testing.T) {
	ctx := context.Background()

	t.Run("missing_required_disables_plugin", func(t *testing.T) {
		reg := NewRegistry()
		pl := &credPlugin{fields: []CredentialField{{Name: "keyid", Required: true}}}

		require.NoError(t, reg.RegisterPlugins(ctx, []Plugin{pl}))
		assert.False(t, pl.registered)
		_, err := reg.GetStreaming("testvendor")
		assert.Error(t, err)
	})

	t.Run("credentials_resolved_from_env", func(t *testing.T) {
		t.Setenv("TESTVENDOR__KEYID", "abc")
		t.Setenv("TESTVENDOR__SECRETKEY", "xyz")

		reg := NewRegistry()
		pl := &credPlugin{fields: []CredentialField{
			{Name: "keyid", Required: true},
			{Name: "secretkey", Required: true},
			{Name: "endpoint", Required: false},
		}}

		require.NoError(t, reg.RegisterPlugins(ctx, []Plugin{pl}))
		assert.True(t, pl.registered)

		creds, missing := LoadCredentials("testvendor", pl.fields)
		assert.Empty(t, missing)
		assert.Equal(t, "abc", creds["keyid"])
		assert.Equal(t, "xyz", creds["secretkey"])
	})
}

func TestSortBars(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC) }

	bars := []Bar{
		{SessionDate: d(3), Close: 3},
		{SessionDate: d(1), Close: 1},
		{SessionDate: d(2), Close: 2},
		{SessionDate: d(2), Close: 99}, // duplicate session dropped
	}
	sorted := SortBars(bars)
	require.Len(t, sorted, 3)
	assert.Equal(t, d(1), sorted[0].SessionDate)
	assert.Equal(t, d(2), sorted[1].SessionDate)
	assert.Equal(t, float64(2), sorted[1].Close, "first occurrence wins on duplicate session")
	assert.Equal(t, d(3), sorted[2].SessionDate)
}
