package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBusConfig configures the Redis pub/sub publisher.
type RedisBusConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	ChannelBase string        `yaml:"channel_base"` // prefix for topics, e.g. "feedrun"
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisBus publishes envelopes to Redis pub/sub channels, one channel per
// topic. Delivery is fire-and-forget; durable consumption is a consumer
// concern.
type RedisBus struct {
	cfg    RedisBusConfig
	client *redis.Client

	mu        sync.RWMutex
	started   bool
	lastError string

	published atomic.Int64
	failed    atomic.Int64
}

// NewRedisBus creates a Redis-backed event bus publisher.
func NewRedisBus(cfg RedisBusConfig) *RedisBus {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.ChannelBase == "" {
		cfg.ChannelBase = "feedrun"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &RedisBus{cfg: cfg}
}

// Start connects to Redis and verifies reachability.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	b.client = redis.NewClient(&redis.Options{
		Addr:        b.cfg.Addr,
		Password:    b.cfg.Password,
		DB:          b.cfg.DB,
		DialTimeout: b.cfg.DialTimeout,
	})

	if err := b.client.Ping(ctx).Err(); err != nil {
		b.lastError = err.Error()
		return err
	}

	b.started = true
	log.Info().Str("addr", b.cfg.Addr).Str("channel_base", b.cfg.ChannelBase).Msg("redis event bus started")
	return nil
}

// Stop closes the Redis connection.
func (b *RedisBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}
	b.started = false
	return b.client.Close()
}

// Publish sends a payload to the channel for the given topic. The key is
// attached as a channel suffix only when non-empty routing is wanted by the
// consumer side; Redis pub/sub has no native keys.
func (b *RedisBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.RLock()
	client := b.client
	started := b.started
	b.mu.RUnlock()

	if !started {
		b.failed.Add(1)
		return ErrBusNotStarted
	}

	channel := b.cfg.ChannelBase + "." + topic
	if err := client.Publish(ctx, channel, payload).Err(); err != nil {
		b.failed.Add(1)
		b.mu.Lock()
		b.lastError = err.Error()
		b.mu.Unlock()
		return err
	}

	b.published.Add(1)
	return nil
}

// Health reports publisher health.
func (b *RedisBus) Health() HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := HealthStatus{
		Healthy:   b.started,
		Status:    "stopped",
		LastCheck: time.Now(),
		Published: b.published.Load(),
		Failed:    b.failed.Load(),
	}
	if b.started {
		status.Status = "running"
	}
	if b.lastError != "" {
		status.Errors = []string{b.lastError}
	}
	return status
}
