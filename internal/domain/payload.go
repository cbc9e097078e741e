package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the tagged variant carried by an event. Each concrete payload
// declares a stable string discriminator used as the "kind" field on the
// wire.
type Payload interface {
	PayloadKind() string
}

// AggressorSide classifies which side initiated a trade.
type AggressorSide string

const (
	SideBuy     AggressorSide = "buy"
	SideSell    AggressorSide = "sell"
	SideUnknown AggressorSide = "unknown"
)

// TradePayload is a single executed trade.
type TradePayload struct {
	Price    float64       `json:"price"`
	Size     float64       `json:"size"`
	Side     AggressorSide `json:"side"`
	TradeID  string        `json:"trade_id,omitempty"`
	Exchange string        `json:"exchange,omitempty"`
}

func (TradePayload) PayloadKind() string { return "trade" }

// BboQuotePayload is a top-of-book quote update.
type BboQuotePayload struct {
	BidPrice float64 `json:"bid_price"`
	BidSize  float64 `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  float64 `json:"ask_size"`
	Exchange string  `json:"exchange,omitempty"`
}

func (BboQuotePayload) PayloadKind() string { return "bbo_quote" }

// BookLevel is a single price level on one side of the book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// L2SnapshotPayload is a level-2 order book snapshot. Bids are ordered
// non-increasing in price, asks non-decreasing.
type L2SnapshotPayload struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

func (L2SnapshotPayload) PayloadKind() string { return "l2_snapshot" }

// OrderFlowPayload is a raw order-flow print (add/cancel/execute).
type OrderFlowPayload struct {
	Action string        `json:"action"` // "add", "cancel", "execute"
	Price  float64       `json:"price"`
	Size   float64       `json:"size"`
	Side   AggressorSide `json:"side"`
}

func (OrderFlowPayload) PayloadKind() string { return "order_flow" }

// BarPayload is an OHLCV bar. Used by both historical and aggregate bar
// events; Interval distinguishes them ("1d", "1m", ...).
type BarPayload struct {
	SessionDate time.Time `json:"session_date"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	Interval    string    `json:"interval,omitempty"`
	Adjusted    bool      `json:"adjusted,omitempty"`
}

func (BarPayload) PayloadKind() string { return "bar" }

// OptionQuotePayload is a top-of-book quote for an option contract.
type OptionQuotePayload struct {
	Contract   string  `json:"contract"`
	Underlying string  `json:"underlying,omitempty"`
	BidPrice   float64 `json:"bid_price"`
	BidSize    float64 `json:"bid_size"`
	AskPrice   float64 `json:"ask_price"`
	AskSize    float64 `json:"ask_size"`
}

func (OptionQuotePayload) PayloadKind() string { return "option_quote" }

// OptionTradePayload is an executed option trade.
type OptionTradePayload struct {
	Contract string        `json:"contract"`
	Price    float64       `json:"price"`
	Size     float64       `json:"size"`
	Side     AggressorSide `json:"side"`
}

func (OptionTradePayload) PayloadKind() string { return "option_trade" }

// OptionGreeksPayload carries model-derived greeks for a contract.
type OptionGreeksPayload struct {
	Contract string  `json:"contract"`
	Delta    float64 `json:"delta"`
	Gamma    float64 `json:"gamma"`
	Theta    float64 `json:"theta"`
	Vega     float64 `json:"vega"`
	Rho      float64 `json:"rho"`
	IV       float64 `json:"iv"`
}

func (OptionGreeksPayload) PayloadKind() string { return "option_greeks" }

// OptionChainPayload lists the contracts available for an underlying.
type OptionChainPayload struct {
	Underlying string   `json:"underlying"`
	Contracts  []string `json:"contracts"`
}

func (OptionChainPayload) PayloadKind() string { return "option_chain" }

// OpenInterestPayload is an open-interest observation for a contract.
type OpenInterestPayload struct {
	Contract     string  `json:"contract"`
	OpenInterest float64 `json:"open_interest"`
}

func (OpenInterestPayload) PayloadKind() string { return "open_interest" }

// IntegrityKind classifies an in-band data-quality or system condition.
type IntegrityKind string

const (
	IntegrityOverflow        IntegrityKind = "overflow"
	IntegritySinkFailure     IntegrityKind = "sink_failure"
	IntegrityDuplicate       IntegrityKind = "duplicate"
	IntegritySequenceGap     IntegrityKind = "sequence_gap"
	IntegrityOutOfOrder      IntegrityKind = "out_of_order"
	IntegrityReset           IntegrityKind = "reset"
	IntegrityNoHealthyBackup IntegrityKind = "no_healthy_backup"
	IntegrityConnectionLost  IntegrityKind = "connection_lost"
	IntegrityInvalidBar      IntegrityKind = "invalid_bar"
	IntegrityInvalidTrade    IntegrityKind = "invalid_trade"
	IntegrityInvalidBook     IntegrityKind = "invalid_book"
	IntegrityCrossValidation IntegrityKind = "cross_validation"
)

// IntegritySeverity grades an integrity condition.
type IntegritySeverity string

const (
	SeverityInfo    IntegritySeverity = "info"
	SeverityWarning IntegritySeverity = "warning"
	SeverityError   IntegritySeverity = "error"
)

// IntegrityPayload signals a data-quality or system condition in-band so
// consumers can detect gaps, drops and failures from the stream itself.
type IntegrityPayload struct {
	Kind         IntegrityKind     `json:"integrity_kind"`
	Severity     IntegritySeverity `json:"severity"`
	Code         int               `json:"code,omitempty"`
	Message      string            `json:"message,omitempty"`
	DroppedCount int               `json:"dropped_count,omitempty"`
}

func (IntegrityPayload) PayloadKind() string { return "integrity" }

// HeartbeatPayload is an empty liveness marker.
type HeartbeatPayload struct{}

func (HeartbeatPayload) PayloadKind() string { return "heartbeat" }

var payloadFactories = map[string]func() Payload{
	"trade":         func() Payload { return &TradePayload{} },
	"bbo_quote":     func() Payload { return &BboQuotePayload{} },
	"l2_snapshot":   func() Payload { return &L2SnapshotPayload{} },
	"order_flow":    func() Payload { return &OrderFlowPayload{} },
	"bar":           func() Payload { return &BarPayload{} },
	"option_quote":  func() Payload { return &OptionQuotePayload{} },
	"option_trade":  func() Payload { return &OptionTradePayload{} },
	"option_greeks": func() Payload { return &OptionGreeksPayload{} },
	"option_chain":  func() Payload { return &OptionChainPayload{} },
	"open_interest": func() Payload { return &OpenInterestPayload{} },
	"integrity":     func() Payload { return &IntegrityPayload{} },
	"heartbeat":     func() Payload { return &HeartbeatPayload{} },
}

// MarshalPayload encodes a payload with its "kind" discriminator spliced
// into the object.
func MarshalPayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("payload %s is not a JSON object: %w", p.PayloadKind(), err)
	}
	kind, err := json.Marshal(p.PayloadKind())
	if err != nil {
		return nil, err
	}
	fields["kind"] = kind
	return json.Marshal(fields)
}

// UnmarshalPayload decodes a payload object, dispatching on its "kind"
// discriminator.
func UnmarshalPayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	factory, ok := payloadFactories[probe.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown payload kind: %q", probe.Kind)
	}
	p := factory()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}
