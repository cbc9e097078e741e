// Package failover supervises streaming provider rules: it scores provider
// health, switches a rule's active provider when the primary degrades, and
// recovers back to the primary with hysteresis.
package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/provider"
)

// Rule describes one failover policy: a primary provider and an ordered list
// of backups.
type Rule struct {
	ID                string   `yaml:"id"`
	PrimaryProviderID string   `yaml:"primary_provider_id"`
	BackupProviderIDs []string `yaml:"backup_provider_ids"`
	FailoverThreshold int      `yaml:"failover_threshold"` // consecutive failures, default 3
	RecoveryThreshold int      `yaml:"recovery_threshold"` // consecutive successes, default 3
	MaxLatencyMS      float64  `yaml:"max_latency_ms"`     // 0 disables the latency trigger
}

func (r *Rule) applyDefaults() {
	if r.FailoverThreshold <= 0 {
		r.FailoverThreshold = 3
	}
	if r.RecoveryThreshold <= 0 {
		r.RecoveryThreshold = 3
	}
}

// candidates returns the rule's providers in preference order.
func (r *Rule) candidates() []string {
	out := make([]string, 0, 1+len(r.BackupProviderIDs))
	out = append(out, r.PrimaryProviderID)
	out = append(out, r.BackupProviderIDs...)
	return out
}

// RuleState is the runtime state of one rule.
type RuleState struct {
	RuleID       string    `json:"rule_id"`
	Active       string    `json:"active_provider_id"`
	InFailover   bool      `json:"in_failover"`
	LastSwitchAt time.Time `json:"last_switch_at,omitempty"`
	SwitchCount  int       `json:"switch_count"`
}

// SwitchEvent reports one failover or recovery transition.
type SwitchEvent struct {
	RuleID    string
	From      string
	To        string
	Reason    string
	Recovered bool
	At        time.Time
}

// Listener receives switch events outside the supervisor lock, in the order
// the switches happened.
type Listener func(SwitchEvent)

// HealthSource resolves provider health snapshots. *provider.Registry
// satisfies it.
type HealthSource interface {
	HealthOf(providerID string) *provider.HealthTracker
}

// Supervisor evaluates all rules periodically under a single lock so switch
// events observe a total order.
type Supervisor struct {
	health   HealthSource
	interval time.Duration
	emit     provider.Emitter
	now      func() time.Time

	mu        sync.Mutex
	rules     map[string]*Rule
	states    map[string]*RuleState
	listeners []Listener
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a supervisor over the given rules. The emitter receives
// integrity events when no healthy backup exists and may be nil.
func New(health HealthSource, interval time.Duration, rules []Rule, emit provider.Emitter) (*Supervisor, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &Supervisor{
		health:   health,
		interval: interval,
		emit:     emit,
		now:      time.Now,
		rules:    make(map[string]*Rule, len(rules)),
		states:   make(map[string]*RuleState, len(rules)),
	}
	for i := range rules {
		r := rules[i]
		if r.ID == "" || r.PrimaryProviderID == "" {
			return nil, fmt.Errorf("failover rule %d: id and primary_provider_id are required", i)
		}
		if _, dup := s.rules[r.ID]; dup {
			return nil, fmt.Errorf("failover rule %q: duplicate id", r.ID)
		}
		r.applyDefaults()
		s.rules[r.ID] = &r
		s.states[r.ID] = &RuleState{RuleID: r.ID, Active: r.PrimaryProviderID}
	}
	return s, nil
}

// Subscribe registers a switch listener.
func (s *Supervisor) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches the periodic evaluation loop.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Evaluate()
			}
		}
	}()
	log.Info().Dur("interval", s.interval).Int("rules", len(s.rules)).
		Msg("failover supervisor started")
}

// Stop halts the evaluation loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// ActiveProviderOf returns the provider currently serving a rule.
func (s *Supervisor) ActiveProviderOf(ruleID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[ruleID]
	if !ok {
		return "", fmt.Errorf("failover: unknown rule %q", ruleID)
	}
	return st.Active, nil
}

// Snapshot returns a copy of every rule's runtime state.
func (s *Supervisor) Snapshot() map[string]RuleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RuleState, len(s.states))
	for id, st := range s.states {
		out[id] = *st
	}
	return out
}

// Evaluate runs one evaluation pass over every rule. Listeners fire after
// the lock is released, in switch order.
func (s *Supervisor) Evaluate() {
	s.mu.Lock()
	var fired []SwitchEvent
	var integrity []domain.Event
	listeners := s.listeners

	for id, rule := range s.rules {
		st := s.states[id]
		if ev, iev, switched := s.evaluateRule(rule, st); switched {
			fired = append(fired, ev)
		} else if iev != nil {
			integrity = append(integrity, *iev)
		}
	}
	s.mu.Unlock()

	for _, ev := range integrity {
		if s.emit != nil {
			s.emit(ev)
		}
	}
	s.notify(listeners, fired)
}

// evaluateRule applies the switch and recovery policy to one rule. Caller
// holds the supervisor lock.
func (s *Supervisor) evaluateRule(rule *Rule, st *RuleState) (SwitchEvent, *domain.Event, bool) {
	active := s.health.HealthOf(st.Active).Snapshot()

	reason := ""
	if active.ConsecutiveFailures >= rule.FailoverThreshold {
		reason = fmt.Sprintf("%d consecutive failures", active.ConsecutiveFailures)
	} else if rule.MaxLatencyMS > 0 && active.AvgLatencyMS > rule.MaxLatencyMS {
		reason = fmt.Sprintf("avg latency %.0fms above %.0fms", active.AvgLatencyMS, rule.MaxLatencyMS)
	}

	if reason != "" && !st.InFailover {
		target := s.pickBackup(rule, st.Active)
		if target == "" {
			log.Warn().Str("rule", rule.ID).Str("active", st.Active).
				Msg("failover wanted but no healthy backup")
			ev := domain.NewIntegrityEvent("failover", "", domain.IntegrityPayload{
				Kind:     domain.IntegrityNoHealthyBackup,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("rule %s: no healthy backup for %s", rule.ID, st.Active),
			})
			return SwitchEvent{}, &ev, false
		}
		from := st.Active
		st.Active = target
		st.InFailover = true
		st.LastSwitchAt = s.now()
		st.SwitchCount++
		log.Warn().Str("rule", rule.ID).Str("from", from).Str("to", target).
			Str("reason", reason).Msg("failover triggered")
		return SwitchEvent{
			RuleID: rule.ID, From: from, To: target, Reason: reason, At: st.LastSwitchAt,
		}, nil, true
	}

	if st.InFailover {
		primary := s.health.HealthOf(rule.PrimaryProviderID).Snapshot()
		if primary.ConsecutiveSuccesses >= rule.RecoveryThreshold {
			from := st.Active
			st.Active = rule.PrimaryProviderID
			st.InFailover = false
			st.LastSwitchAt = s.now()
			st.SwitchCount++
			log.Info().Str("rule", rule.ID).Str("from", from).
				Str("to", rule.PrimaryProviderID).Msg("failover recovered")
			return SwitchEvent{
				RuleID: rule.ID, From: from, To: rule.PrimaryProviderID,
				Reason: "primary recovered", Recovered: true, At: st.LastSwitchAt,
			}, nil, true
		}
	}

	return SwitchEvent{}, nil, false
}

// pickBackup returns the first candidate other than the active provider with
// a failure streak below the rule threshold. A never-seen provider has a
// fresh tracker and counts as healthy.
func (s *Supervisor) pickBackup(rule *Rule, active string) string {
	for _, id := range rule.candidates() {
		if id == active {
			continue
		}
		if s.health.HealthOf(id).Snapshot().ConsecutiveFailures < rule.FailoverThreshold {
			return id
		}
	}
	return ""
}

// ForceFailover switches a rule to an explicit target regardless of health.
func (s *Supervisor) ForceFailover(ruleID, target string) error {
	s.mu.Lock()
	rule, ok := s.rules[ruleID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("failover: unknown rule %q", ruleID)
	}
	valid := false
	for _, id := range rule.candidates() {
		if id == target {
			valid = true
			break
		}
	}
	if !valid {
		s.mu.Unlock()
		return fmt.Errorf("failover: provider %q is not a candidate of rule %q", target, ruleID)
	}

	st := s.states[ruleID]
	if st.Active == target {
		s.mu.Unlock()
		return nil
	}
	from := st.Active
	st.Active = target
	st.InFailover = target != rule.PrimaryProviderID
	st.LastSwitchAt = s.now()
	st.SwitchCount++
	listeners := s.listeners
	ev := SwitchEvent{
		RuleID: ruleID, From: from, To: target, Reason: "forced",
		Recovered: !st.InFailover, At: st.LastSwitchAt,
	}
	s.mu.Unlock()

	log.Warn().Str("rule", ruleID).Str("from", from).Str("to", target).
		Msg("forced failover")
	s.notify(listeners, []SwitchEvent{ev})
	return nil
}

func (s *Supervisor) notify(listeners []Listener, events []SwitchEvent) {
	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}
