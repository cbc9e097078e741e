package stream

import (
	"context"
	"time"

	"github.com/feedrun/feedrun/internal/domain"
)

// EventBus mirrors canonical events to an external message bus. The bus is
// an optional collaborator: the pipeline publishes best-effort and never
// blocks ingestion on bus errors.
type EventBus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() HealthStatus
}

// HealthStatus indicates the health of the event bus.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	Errors    []string  `json:"errors,omitempty"`
	LastCheck time.Time `json:"last_check"`
	Published int64     `json:"published"`
	Failed    int64     `json:"failed"`
}

// Bus topics, keyed by canonical event type.
const (
	TopicTradeOccurred           = "trade_occurred"
	TopicBboQuoteUpdated         = "bbo_quote_updated"
	TopicL2SnapshotReceived      = "l2_snapshot_received"
	TopicIntegrityEventOccurred  = "integrity_event_occurred"
	TopicConnectionStatusChanged = "connection_status_changed"
)

// TopicFor maps an event type to its bus topic. Types with no dedicated
// topic return "" and are not mirrored.
func TopicFor(t domain.EventType) string {
	switch t {
	case domain.EventTrade, domain.EventOptionTrade:
		return TopicTradeOccurred
	case domain.EventBboQuote, domain.EventOptionQuote:
		return TopicBboQuoteUpdated
	case domain.EventL2Snapshot:
		return TopicL2SnapshotReceived
	case domain.EventIntegrity:
		return TopicIntegrityEventOccurred
	case domain.EventHeartbeat:
		return TopicConnectionStatusChanged
	default:
		return ""
	}
}
