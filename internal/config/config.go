// Package config loads and validates the service configuration from YAML.
// Validation failures are fatal at startup; on hot reload the caller keeps
// the previous config and logs the error.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/feedrun/feedrun/internal/backfill"
	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/failover"
	"github.com/feedrun/feedrun/internal/health"
	"github.com/feedrun/feedrun/internal/providers/alpaca"
	"github.com/feedrun/feedrun/internal/providers/polygon"
	"github.com/feedrun/feedrun/internal/providers/stooq"
	"github.com/feedrun/feedrun/internal/ws"
)

// PipelineConfig is the pipeline option group.
type PipelineConfig struct {
	Capacity        int    `yaml:"capacity"`
	BatchSize       int    `yaml:"batch_size"`
	BatchIntervalMS int    `yaml:"batch_interval_ms"`
	PeriodicFlushMS int    `yaml:"periodic_flush_ms"`
	Backpressure    string `yaml:"backpressure"` // drop_oldest | block
}

// StorageConfig selects where events land.
type StorageConfig struct {
	DataRoot string `yaml:"data_root"`
	Compress bool   `yaml:"compress"`
	// PostgresDSN, when set, adds the Postgres sink alongside the JSONL sink.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// FailoverConfig is the failover option group.
type FailoverConfig struct {
	Enable                     bool            `yaml:"enable"`
	HealthCheckIntervalSeconds int             `yaml:"health_check_interval_seconds"`
	Rules                      []failover.Rule `yaml:"rules"`
}

// Interval returns the evaluation interval, defaulting to 10s.
func (f FailoverConfig) Interval() time.Duration {
	if f.HealthCheckIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(f.HealthCheckIntervalSeconds) * time.Second
}

// BackfillConfig is the backfill option group.
type BackfillConfig struct {
	Provider               string `yaml:"provider"`
	EnableFallback         bool   `yaml:"enable_fallback"`
	EnableSymbolResolution bool   `yaml:"enable_symbol_resolution"`
}

// BusConfig enables the optional Redis event-bus mirror.
type BusConfig struct {
	Enable      bool   `yaml:"enable"`
	RedisAddr   string `yaml:"redis_addr"`
	ChannelBase string `yaml:"channel_base"`
}

// OpsConfig tunes the ops HTTP server.
type OpsConfig struct {
	Listen string `yaml:"listen"` // default :8642
}

// ProvidersConfig carries per-provider adapter settings.
type ProvidersConfig struct {
	Alpaca  alpaca.PluginConfig  `yaml:"alpaca"`
	Polygon polygon.StreamConfig `yaml:"polygon"`
	Stooq   stooq.Config         `yaml:"stooq"`
}

// Config is the root configuration document.
type Config struct {
	Symbols   []domain.SymbolSubscription `yaml:"symbols"`
	Pipeline  PipelineConfig              `yaml:"pipeline"`
	WebSocket ws.Config                   `yaml:"websocket"`
	Failover  FailoverConfig              `yaml:"failover"`
	Backfill  BackfillConfig              `yaml:"backfill"`
	Composite backfill.Config             `yaml:"-"`
	Storage   StorageConfig               `yaml:"storage"`
	Bus       BusConfig                   `yaml:"bus"`
	Ops       OpsConfig                   `yaml:"ops"`
	Health    health.Config               `yaml:"health"`
	Providers ProvidersConfig             `yaml:"providers"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			Capacity:        20000,
			BatchSize:       256,
			BatchIntervalMS: 200,
			PeriodicFlushMS: 1000,
			Backpressure:    "drop_oldest",
		},
		Storage: StorageConfig{DataRoot: "data"},
		Ops:     OpsConfig{Listen: ":8642"},
	}
}

// Load reads, parses and validates a config file. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applySessionDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	log.Info().Str("path", path).Int("symbols", len(cfg.Symbols)).Msg("config loaded")
	return cfg, nil
}

// applySessionDefaults copies the top-level websocket settings into any
// provider session left unconfigured.
func (c *Config) applySessionDefaults() {
	zero := ws.Config{}
	if c.Providers.Alpaca.Stream.Session == zero {
		c.Providers.Alpaca.Stream.Session = c.WebSocket
	}
	if c.Providers.Polygon.Session == zero {
		c.Providers.Polygon.Session = c.WebSocket
	}
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	switch c.Pipeline.Backpressure {
	case "", "drop_oldest", "block":
	default:
		return fmt.Errorf("pipeline.backpressure must be drop_oldest or block, got %q", c.Pipeline.Backpressure)
	}
	if c.Pipeline.Capacity < 0 || c.Pipeline.BatchSize < 0 {
		return fmt.Errorf("pipeline capacity and batch_size must be non-negative")
	}
	if c.Storage.DataRoot == "" {
		return fmt.Errorf("storage.data_root is required")
	}

	seen := make(map[string]bool, len(c.Symbols))
	for i, s := range c.Symbols {
		key := s.Canonical()
		if key == "" {
			return fmt.Errorf("symbols[%d]: empty symbol", i)
		}
		if seen[key] {
			return fmt.Errorf("symbols[%d]: duplicate symbol %s", i, key)
		}
		seen[key] = true
	}

	if c.Failover.Enable {
		ruleIDs := make(map[string]bool, len(c.Failover.Rules))
		for i, r := range c.Failover.Rules {
			if r.ID == "" || r.PrimaryProviderID == "" {
				return fmt.Errorf("failover.rules[%d]: id and primary_provider_id are required", i)
			}
			if ruleIDs[r.ID] {
				return fmt.Errorf("failover.rules[%d]: duplicate rule id %s", i, r.ID)
			}
			ruleIDs[r.ID] = true
		}
	}

	if c.Bus.Enable && c.Bus.RedisAddr == "" {
		return fmt.Errorf("bus.redis_addr is required when the bus is enabled")
	}
	return nil
}
