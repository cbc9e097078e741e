package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/feedrun/feedrun/internal/domain"
)

// Envelope is the bus message wrapping a canonical event. The envelope adds
// routing metadata the event itself does not carry.
type Envelope struct {
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"ts"`
	Symbol    string          `json:"symbol"`
	Source    string          `json:"source"`
	DataType  string          `json:"data_type"`
	Version   int             `json:"version"`
	Payload   json.RawMessage `json:"payload"`
}

// WrapEvent encodes an event into a bus envelope.
func WrapEvent(ev domain.Event) (Envelope, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode event: %w", err)
	}
	sym := ev.CanonicalSymbol
	if sym == "" {
		sym = ev.Symbol
	}
	return Envelope{
		MessageID: uuid.NewString(),
		Timestamp: ev.Timestamp,
		Symbol:    sym,
		Source:    ev.Source,
		DataType:  string(ev.Type),
		Version:   ev.SchemaVersion,
		Payload:   raw,
	}, nil
}

// Validate checks required envelope fields.
func (e Envelope) Validate() error {
	if e.Symbol == "" {
		return fmt.Errorf("envelope symbol is empty")
	}
	if e.Source == "" {
		return fmt.Errorf("envelope source is empty")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope payload is empty")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope timestamp is zero")
	}
	if e.Version <= 0 {
		return fmt.Errorf("envelope version must be positive, got %d", e.Version)
	}
	return nil
}
