package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusNotStarted is returned when publishing to a bus that has not been
// started.
var ErrBusNotStarted = errors.New("event bus not started")

// StubBus is a minimal in-memory bus for tests and development.
type StubBus struct {
	mu       sync.RWMutex
	started  bool
	messages map[string][][]byte

	published int64
	failed    int64
}

// NewStubBus creates an in-memory event bus.
func NewStubBus() *StubBus {
	return &StubBus{messages: make(map[string][][]byte)}
}

// Start marks the bus running.
func (s *StubBus) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

// Stop marks the bus stopped.
func (s *StubBus) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Publish records the payload under the topic.
func (s *StubBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.failed++
		return ErrBusNotStarted
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.messages[topic] = append(s.messages[topic], cp)
	s.published++
	return nil
}

// Messages returns the payloads published to a topic.
func (s *StubBus) Messages(topic string) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, len(s.messages[topic]))
	copy(out, s.messages[topic])
	return out
}

// Health reports stub health.
func (s *StubBus) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := "stopped"
	if s.started {
		status = "running"
	}
	return HealthStatus{
		Healthy:   s.started,
		Status:    status,
		LastCheck: time.Now(),
		Published: s.published,
		Failed:    s.failed,
	}
}
