package provider

import (
	"sync"
	"time"
)

const issueRingSize = 16

// HealthState is a point-in-time snapshot of one provider's health.
type HealthState struct {
	ProviderID           string    `json:"provider_id"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt        time.Time `json:"last_success_at,omitempty"`
	AvgLatencyMS         float64   `json:"avg_latency_ms"`
	RecentIssues         []string  `json:"recent_issues,omitempty"`
	TotalSuccesses       int64     `json:"total_successes"`
	TotalFailures        int64     `json:"total_failures"`
}

// HealthTracker records per-provider outcomes for failover scoring. State
// lives for the lifetime of the registration.
type HealthTracker struct {
	mu sync.Mutex

	providerID           string
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	totalSuccesses       int64
	totalFailures        int64

	// Exponentially weighted latency average; alpha 0.2 favors recent
	// samples without whipsawing on a single slow call.
	avgLatencyMS float64

	issues     [issueRingSize]string
	issueNext  int
	issueCount int
}

// NewHealthTracker creates a tracker for one provider.
func NewHealthTracker(providerID string) *HealthTracker {
	return &HealthTracker{providerID: providerID}
}

// RecordSuccess notes one successful operation and its latency.
func (h *HealthTracker) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveSuccesses++
	h.consecutiveFailures = 0
	h.lastSuccessAt = time.Now()
	h.totalSuccesses++

	ms := float64(latency.Microseconds()) / 1000.0
	if h.avgLatencyMS == 0 {
		h.avgLatencyMS = ms
	} else {
		h.avgLatencyMS = 0.8*h.avgLatencyMS + 0.2*ms
	}
}

// RecordFailure notes one failed operation.
func (h *HealthTracker) RecordFailure(issue string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFailures++
	h.consecutiveSuccesses = 0
	h.lastFailureAt = time.Now()
	h.totalFailures++

	if issue != "" {
		h.issues[h.issueNext] = issue
		h.issueNext = (h.issueNext + 1) % issueRingSize
		if h.issueCount < issueRingSize {
			h.issueCount++
		}
	}
}

// Snapshot returns the current health state.
func (h *HealthTracker) Snapshot() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := HealthState{
		ProviderID:           h.providerID,
		ConsecutiveFailures:  h.consecutiveFailures,
		ConsecutiveSuccesses: h.consecutiveSuccesses,
		LastFailureAt:        h.lastFailureAt,
		LastSuccessAt:        h.lastSuccessAt,
		AvgLatencyMS:         h.avgLatencyMS,
		TotalSuccesses:       h.totalSuccesses,
		TotalFailures:        h.totalFailures,
	}

	if h.issueCount > 0 {
		state.RecentIssues = make([]string, 0, h.issueCount)
		start := (h.issueNext - h.issueCount + issueRingSize) % issueRingSize
		for i := 0; i < h.issueCount; i++ {
			state.RecentIssues = append(state.RecentIssues, h.issues[(start+i)%issueRingSize])
		}
	}
	return state
}
