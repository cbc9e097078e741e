// Package ws provides the shared websocket session used by streaming
// provider adapters: a connection state machine with exponential reconnect,
// heartbeat supervision and subscription replay.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/resilience"
)

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes a websocket session. Zero values fall back to the default
// profile; the resilient profile doubles the reconnect budget.
type Config struct {
	URL                  string        `yaml:"url"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`     // default 30s
	OperationTimeout     time.Duration `yaml:"operation_timeout"`     // write deadline, default 5s
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`    // default 30s
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`     // default 10s
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`      // default 2s
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay"`       // default 30s
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // default 10
	CircuitThreshold     uint32        `yaml:"circuit_failure_threshold"`
	CircuitBreakDuration time.Duration `yaml:"circuit_break_duration"`
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitBreakDuration <= 0 {
		c.CircuitBreakDuration = 30 * time.Second
	}
}

// ResilientProfile returns a config with the extended reconnect budget for
// flaky links.
func ResilientProfile(url string) Config {
	cfg := Config{URL: url, MaxReconnectAttempts: 20}
	cfg.applyDefaults()
	return cfg
}

// Callbacks hook adapter behavior into the session. OnMessage runs on the
// session's receive goroutine and must not block. OnReconnect runs after
// every successful reconnect and re-issues live subscriptions. OnStateChange
// observes every transition; listeners are invoked outside the session lock.
type Callbacks struct {
	OnMessage     func(data []byte)
	OnReconnect   func(ctx context.Context) error
	OnStateChange func(from, to State)
}

// Session is one websocket connection with supervised liveness.
type Session struct {
	name    string
	cfg     Config
	cb      Callbacks
	breaker *resilience.Breaker

	// writeMu serialises all writes to conn; gorilla/websocket allows only
	// one concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	generation int // invalidates stale read loops after reconnect
	lastPong   time.Time
	missed     int
	cancelRun  context.CancelFunc
}

// NewSession creates a session; Connect starts it.
func NewSession(name string, cfg Config, cb Callbacks) *Session {
	cfg.applyDefaults()
	return &Session{
		name: name,
		cfg:  cfg,
		cb:   cb,
		breaker: resilience.NewBreaker(name+"_ws", resilience.BreakerConfig{
			FailureThreshold: cfg.CircuitThreshold,
			BreakDuration:    cfg.CircuitBreakDuration,
		}),
		state: Disconnected,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from == Closed {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	log.Debug().Str("session", s.name).Str("from", from.String()).Str("to", to.String()).
		Msg("ws state change")
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(from, to)
	}
}

// Connect dials the endpoint and starts the receive and heartbeat loops.
// Idempotent: connecting an already-connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Connected, Connecting, Degraded, Reconnecting:
		s.mu.Unlock()
		return nil
	case Closed:
		s.mu.Unlock()
		return fmt.Errorf("ws session %s: closed", s.name)
	}
	s.mu.Unlock()

	s.transition(Connecting)
	if err := s.dial(ctx); err != nil {
		s.transition(Disconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelRun = cancel
	gen := s.generation
	s.mu.Unlock()

	s.transition(Connected)
	go s.readLoop(runCtx, gen)
	go s.heartbeatLoop(runCtx)
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	return s.breaker.Do(func() error {
		dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			return fmt.Errorf("ws session %s: dial %s: %w", s.name, s.cfg.URL, err)
		}

		conn.SetPongHandler(func(string) error {
			s.mu.Lock()
			s.lastPong = time.Now()
			s.missed = 0
			s.mu.Unlock()
			return nil
		})

		s.mu.Lock()
		s.conn = conn
		s.generation++
		s.lastPong = time.Now()
		s.missed = 0
		s.mu.Unlock()
		return nil
	})
}

// WriteJSON sends a control/subscription message with the operation write
// deadline.
func (s *Session) WriteJSON(v any) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || (state != Connected && state != Degraded) {
		return fmt.Errorf("ws session %s: not connected", s.name)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws session %s: marshal: %w", s.name, err)
	}
	return s.write(conn, websocket.TextMessage, data)
}

// write performs one serialised write with the operation deadline.
func (s *Session) write(conn *websocket.Conn, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.OperationTimeout))
	return conn.WriteMessage(messageType, data)
}

func (s *Session) readLoop(ctx context.Context, gen int) {
	for {
		s.mu.Lock()
		conn := s.conn
		stale := gen != s.generation
		s.mu.Unlock()
		if stale || conn == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatInterval + s.cfg.HeartbeatTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || s.State() == Closed {
				return
			}
			log.Warn().Err(err).Str("session", s.name).Msg("ws read error")
			s.reconnect(ctx)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(data)
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		conn := s.conn
		state := s.state
		s.mu.Unlock()
		if conn == nil || (state != Connected && state != Degraded) {
			continue
		}

		if err := s.write(conn, websocket.PingMessage, nil); err != nil {
			log.Warn().Err(err).Str("session", s.name).Msg("ws ping failed")
			s.reconnect(ctx)
			return
		}

		// Stale when no pong arrived within the timeout after the previous
		// ping interval.
		s.mu.Lock()
		stale := time.Since(s.lastPong) > s.cfg.HeartbeatInterval+s.cfg.HeartbeatTimeout
		if stale {
			s.missed++
		}
		missed := s.missed
		s.mu.Unlock()

		if missed > 1 {
			s.transition(Degraded)
		}
		if missed >= 3 {
			log.Warn().Str("session", s.name).Int("missed", missed).Msg("ws heartbeat lost")
			s.reconnect(ctx)
			return
		}
	}
}

// reconnect runs the exponential backoff schedule. After the attempt budget
// is exhausted the session transitions to Closed.
func (s *Session) reconnect(ctx context.Context) {
	s.mu.Lock()
	if s.state == Closed || s.state == Reconnecting {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = Reconnecting
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(from, Reconnecting)
	}

	delay := s.cfg.RetryBaseDelay
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		log.Info().Str("session", s.name).Int("attempt", attempt).Msg("ws reconnecting")
		if err := s.dial(ctx); err != nil {
			log.Warn().Err(err).Str("session", s.name).Int("attempt", attempt).Msg("ws reconnect failed")
			delay *= 2
			if delay > s.cfg.MaxRetryDelay {
				delay = s.cfg.MaxRetryDelay
			}
			continue
		}

		s.mu.Lock()
		gen := s.generation
		s.mu.Unlock()

		s.transition(Connected)
		if s.cb.OnReconnect != nil {
			if err := s.cb.OnReconnect(ctx); err != nil {
				log.Error().Err(err).Str("session", s.name).Msg("ws subscription replay failed")
			}
		}
		go s.readLoop(ctx, gen)
		go s.heartbeatLoop(ctx)
		return
	}

	log.Error().Str("session", s.name).Int("attempts", s.cfg.MaxReconnectAttempts).
		Msg("ws reconnect budget exhausted")
	s.transition(Closed)
}

// Close tears the session down. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = Closed
	conn := s.conn
	s.conn = nil
	cancel := s.cancelRun
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = conn.Close()
	}
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(from, Closed)
	}
	log.Info().Str("session", s.name).Msg("ws session closed")
	return err
}
