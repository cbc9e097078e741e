// Package health tracks liveness of registered provider connections and
// emits heartbeat-missed, connection-lost and connection-recovered events.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventKind classifies a connection health transition.
type EventKind string

const (
	HeartbeatMissed     EventKind = "heartbeat_missed"
	ConnectionLost      EventKind = "connection_lost"
	ConnectionRecovered EventKind = "connection_recovered"
)

// Event is a connection health transition delivered to subscribers.
type Event struct {
	Kind        EventKind
	ConnID      string
	MissedCount int
	Reason      string
	At          time.Time
}

// Listener receives health events. Listeners are invoked outside the monitor
// lock and must not block for long.
type Listener func(Event)

// Config tunes the monitor.
type Config struct {
	CheckInterval     time.Duration `yaml:"check_interval"`     // default 5s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default 30s
	LostThreshold     int           `yaml:"lost_threshold"`     // missed heartbeats before lost, default 3
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LostThreshold <= 0 {
		c.LostThreshold = 3
	}
}

type connState struct {
	lastData      time.Time
	lastHeartbeat time.Time
	missed        int
	lost          bool
}

// Monitor is the connection health registry plus its periodic checker.
type Monitor struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	conns     map[string]*connState
	listeners []Listener
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMonitor creates a monitor; Start launches the periodic check.
func NewMonitor(cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:   cfg,
		now:   time.Now,
		conns: make(map[string]*connState),
	}
}

// Subscribe registers a listener for health events.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Register adds a connection id with fresh timestamps.
func (m *Monitor) Register(connID string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = &connState{lastData: now, lastHeartbeat: now}
}

// Unregister removes a connection from supervision.
func (m *Monitor) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connID)
}

// TouchData records data received on a connection. Data traffic counts as
// liveness: a lost connection recovers when data resumes.
func (m *Monitor) TouchData(connID string) {
	now := m.now()
	m.mu.Lock()
	st, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.lastData = now
	st.lastHeartbeat = now
	wasLost := st.lost
	st.lost = false
	st.missed = 0
	listeners := m.listeners
	m.mu.Unlock()

	if wasLost {
		m.emit(listeners, Event{Kind: ConnectionRecovered, ConnID: connID, At: now})
	}
}

// TouchHeartbeat records a heartbeat on a connection.
func (m *Monitor) TouchHeartbeat(connID string) {
	now := m.now()
	m.mu.Lock()
	st, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.lastHeartbeat = now
	wasLost := st.lost
	st.lost = false
	st.missed = 0
	listeners := m.listeners
	m.mu.Unlock()

	if wasLost {
		m.emit(listeners, Event{Kind: ConnectionRecovered, ConnID: connID, At: now})
	}
}

// Start launches the periodic check loop.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Stop halts the periodic check loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Check inspects every registered connection once. Exported so tests and the
// ops surface can force an inspection.
func (m *Monitor) Check() {
	now := m.now()

	var events []Event
	m.mu.Lock()
	listeners := m.listeners
	for id, st := range m.conns {
		silentFor := now.Sub(st.lastHeartbeat)
		missed := int(silentFor / m.cfg.HeartbeatInterval)
		if missed <= st.missed {
			continue
		}
		st.missed = missed
		if st.lost {
			continue
		}
		events = append(events, Event{
			Kind:        HeartbeatMissed,
			ConnID:      id,
			MissedCount: missed,
			At:          now,
		})
		if missed >= m.cfg.LostThreshold {
			st.lost = true
			events = append(events, Event{
				Kind:   ConnectionLost,
				ConnID: id,
				Reason: "heartbeat timeout",
				At:     now,
			})
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.emit(listeners, ev)
	}
}

// IsLost reports whether a connection is currently considered lost.
func (m *Monitor) IsLost(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conns[connID]
	return ok && st.lost
}

func (m *Monitor) emit(listeners []Listener, ev Event) {
	switch ev.Kind {
	case ConnectionLost:
		log.Warn().Str("conn", ev.ConnID).Str("reason", ev.Reason).Msg("connection lost")
	case ConnectionRecovered:
		log.Info().Str("conn", ev.ConnID).Msg("connection recovered")
	default:
		log.Debug().Str("conn", ev.ConnID).Int("missed", ev.MissedCount).Msg("heartbeat missed")
	}
	for _, l := range listeners {
		l(ev)
	}
}
