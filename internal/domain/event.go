package domain

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// EventType identifies the shape of an event's payload.
type EventType string

const (
	EventTrade         EventType = "trade"
	EventBboQuote      EventType = "bbo_quote"
	EventL2Snapshot    EventType = "l2_snapshot"
	EventOrderFlow     EventType = "order_flow"
	EventHistoricalBar EventType = "historical_bar"
	EventAggregateBar  EventType = "aggregate_bar"
	EventOptionQuote   EventType = "option_quote"
	EventOptionTrade   EventType = "option_trade"
	EventOptionGreeks  EventType = "option_greeks"
	EventOptionChain   EventType = "option_chain"
	EventOpenInterest  EventType = "open_interest"
	EventIntegrity     EventType = "integrity"
	EventHeartbeat     EventType = "heartbeat"
)

// Tier marks the processing stage an event has passed through.
type Tier string

const (
	TierRaw        Tier = "raw"
	TierNormalized Tier = "normalized"
	TierEnriched   Tier = "enriched"
)

// SchemaVersion is the current on-wire event schema version.
const SchemaVersion = 1

// SystemSymbol is the symbol carried by events that are not tied to an
// instrument (heartbeats, most integrity events).
const SystemSymbol = "SYSTEM"

// Event is the canonical record every provider adapter emits into the
// pipeline. Events are immutable once published; per (Source, Symbol, Type)
// the Sequence field is non-decreasing.
type Event struct {
	Timestamp         time.Time `json:"timestamp"`
	ReceivedAt        time.Time `json:"received_at"`
	ReceivedMonotonic int64     `json:"received_monotonic"`
	Symbol            string    `json:"symbol"`
	CanonicalSymbol   string    `json:"canonical_symbol,omitempty"`
	Type              EventType `json:"type"`
	Payload           Payload   `json:"payload"`
	Sequence          uint64    `json:"sequence"` // 0 = unassigned
	Source            string    `json:"source"`
	SchemaVersion     int       `json:"schema_version"`
	Tier              Tier      `json:"tier"`
}

var monotonic atomic.Int64

// NextMonotonic returns the next value of the process-wide monotonic tick
// counter. Values are strictly increasing within a single process.
func NextMonotonic() int64 {
	return monotonic.Add(1)
}

// NewEvent builds an event stamped with the current wall clock and the next
// monotonic tick.
func NewEvent(source, symbol string, eventType EventType, ts time.Time, payload Payload) Event {
	return Event{
		Timestamp:         ts.UTC(),
		ReceivedAt:        time.Now().UTC(),
		ReceivedMonotonic: NextMonotonic(),
		Symbol:            symbol,
		Type:              eventType,
		Payload:           payload,
		Source:            source,
		SchemaVersion:     SchemaVersion,
		Tier:              TierRaw,
	}
}

// NewHeartbeat builds a system heartbeat event. Heartbeats carry no
// instrument symbol and always have sequence 0.
func NewHeartbeat(source string) Event {
	ev := NewEvent(source, SystemSymbol, EventHeartbeat, time.Now().UTC(), HeartbeatPayload{})
	ev.CanonicalSymbol = SystemSymbol
	return ev
}

// NewIntegrityEvent builds an in-band integrity event for the given
// condition.
func NewIntegrityEvent(source, symbol string, p IntegrityPayload) Event {
	if symbol == "" {
		symbol = SystemSymbol
	}
	ev := NewEvent(source, symbol, EventIntegrity, time.Now().UTC(), p)
	ev.CanonicalSymbol = symbol
	return ev
}

// Key identifies the ordering domain of an event. Sequence numbers are
// monotonic per key.
func (e Event) Key() string {
	sym := e.CanonicalSymbol
	if sym == "" {
		sym = e.Symbol
	}
	return e.Source + "|" + sym + "|" + string(e.Type)
}

type eventJSON struct {
	Timestamp         time.Time       `json:"timestamp"`
	ReceivedAt        time.Time       `json:"received_at"`
	ReceivedMonotonic int64           `json:"received_monotonic"`
	Symbol            string          `json:"symbol"`
	CanonicalSymbol   string          `json:"canonical_symbol,omitempty"`
	Type              EventType       `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	Sequence          uint64          `json:"sequence"`
	Source            string          `json:"source"`
	SchemaVersion     int             `json:"schema_version"`
	Tier              Tier            `json:"tier"`
}

// MarshalJSON encodes the event with the payload's "kind" discriminator
// spliced into the payload object.
func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", e.Type, err)
	}
	return json.Marshal(eventJSON{
		Timestamp:         e.Timestamp,
		ReceivedAt:        e.ReceivedAt,
		ReceivedMonotonic: e.ReceivedMonotonic,
		Symbol:            e.Symbol,
		CanonicalSymbol:   e.CanonicalSymbol,
		Type:              e.Type,
		Payload:           raw,
		Sequence:          e.Sequence,
		Source:            e.Source,
		SchemaVersion:     e.SchemaVersion,
		Tier:              e.Tier,
	})
}

// UnmarshalJSON decodes an event, dispatching the payload on its "kind"
// discriminator.
func (e *Event) UnmarshalJSON(data []byte) error {
	var ej eventJSON
	if err := json.Unmarshal(data, &ej); err != nil {
		return err
	}
	payload, err := UnmarshalPayload(ej.Payload)
	if err != nil {
		return fmt.Errorf("unmarshal payload for %s: %w", ej.Type, err)
	}
	*e = Event{
		Timestamp:         ej.Timestamp,
		ReceivedAt:        ej.ReceivedAt,
		ReceivedMonotonic: ej.ReceivedMonotonic,
		Symbol:            ej.Symbol,
		CanonicalSymbol:   ej.CanonicalSymbol,
		Type:              ej.Type,
		Payload:           payload,
		Sequence:          ej.Sequence,
		Source:            ej.Source,
		SchemaVersion:     ej.SchemaVersion,
		Tier:              ej.Tier,
	}
	return nil
}
