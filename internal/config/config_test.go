package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
symbols:
  - symbol: SPY
    subscribe_trades: true
    subscribe_depth: true
    depth_levels: 10
    exchange: ARCA
  - symbol: QQQ
    subscribe_trades: true

pipeline:
  capacity: 5000
  batch_size: 128
  batch_interval_ms: 100
  backpressure: block

websocket:
  heartbeat_interval: 15s
  max_reconnect_attempts: 20

failover:
  enable: true
  health_check_interval_seconds: 5
  rules:
    - id: equities
      primary_provider_id: alpaca
      backup_provider_ids: [polygon]
      failover_threshold: 3
      recovery_threshold: 5
      max_latency_ms: 250

storage:
  data_root: /var/lib/feedrun
  compress: true

ops:
  listen: ":9090"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSample(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Symbols, 2)
	assert.Equal(t, "SPY", cfg.Symbols[0].Symbol)
	assert.True(t, cfg.Symbols[0].SubscribeDepth)
	assert.Equal(t, 10, cfg.Symbols[0].DepthLevels)
	assert.Equal(t, "ARCA", cfg.Symbols[0].Exchange)

	assert.Equal(t, 5000, cfg.Pipeline.Capacity)
	assert.Equal(t, "block", cfg.Pipeline.Backpressure)
	assert.Equal(t, 15*time.Second, cfg.WebSocket.HeartbeatInterval)
	assert.Equal(t, 20, cfg.WebSocket.MaxReconnectAttempts)

	require.True(t, cfg.Failover.Enable)
	assert.Equal(t, 5*time.Second, cfg.Failover.Interval())
	require.Len(t, cfg.Failover.Rules, 1)
	assert.Equal(t, []string{"polygon"}, cfg.Failover.Rules[0].BackupProviderIDs)
	assert.Equal(t, float64(250), cfg.Failover.Rules[0].MaxLatencyMS)

	assert.Equal(t, "/var/lib/feedrun", cfg.Storage.DataRoot)
	assert.True(t, cfg.Storage.Compress)
	assert.Equal(t, ":9090", cfg.Ops.Listen)
}

func TestSessionDefaultsPropagate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	// Providers without an explicit session block inherit the top-level
	// websocket settings.
	assert.Equal(t, 15*time.Second, cfg.Providers.Alpaca.Stream.Session.HeartbeatInterval)
	assert.Equal(t, 20, cfg.Providers.Polygon.Session.MaxReconnectAttempts)
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20000, cfg.Pipeline.Capacity)
	assert.Equal(t, "drop_oldest", cfg.Pipeline.Backpressure)
	assert.Equal(t, "data", cfg.Storage.DataRoot)
	assert.Equal(t, 10*time.Second, cfg.Failover.Interval())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/feedrun.yaml")
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad_backpressure", "pipeline:\n  backpressure: drop_newest\nstorage:\n  data_root: d\n"},
		{"duplicate_symbol", "symbols:\n  - symbol: SPY\n  - symbol: spy\nstorage:\n  data_root: d\n"},
		{"empty_symbol", "symbols:\n  - symbol: \"  \"\nstorage:\n  data_root: d\n"},
		{"rule_missing_primary", "failover:\n  enable: true\n  rules:\n    - id: r1\nstorage:\n  data_root: d\n"},
		{"duplicate_rule", "failover:\n  enable: true\n  rules:\n    - {id: r1, primary_provider_id: a}\n    - {id: r1, primary_provider_id: b}\nstorage:\n  data_root: d\n"},
		{"bus_without_addr", "bus:\n  enable: true\nstorage:\n  data_root: d\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidateEmptyDataRoot(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataRoot = ""
	assert.Error(t, cfg.Validate())
}
