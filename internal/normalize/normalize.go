// Package normalize canonicalizes events at the boundary between vendor
// adapters and the pipeline: symbol form, timestamp offset, aggressor side,
// payload sanity and duplicate suppression.
package normalize

import (
	"fmt"
	"sync"

	"github.com/feedrun/feedrun/internal/domain"
)

// Canonicalize is the pure, idempotent part of normalization: canonical
// symbol, UTC timestamp, validated aggressor side, normalized tier. It never
// drops an event.
func Canonicalize(ev domain.Event) domain.Event {
	if ev.CanonicalSymbol == "" {
		ev.CanonicalSymbol = domain.CanonicalizeSymbol(ev.Symbol)
	} else {
		ev.CanonicalSymbol = domain.CanonicalizeSymbol(ev.CanonicalSymbol)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	ev.Payload = canonicalizePayload(ev.Payload)
	ev.Tier = domain.TierNormalized
	return ev
}

func canonicalizePayload(p domain.Payload) domain.Payload {
	switch tp := p.(type) {
	case *domain.TradePayload:
		cp := *tp
		cp.Side = validSide(cp.Side)
		return &cp
	case domain.TradePayload:
		tp.Side = validSide(tp.Side)
		return tp
	case *domain.OrderFlowPayload:
		cp := *tp
		cp.Side = validSide(cp.Side)
		return &cp
	case domain.OrderFlowPayload:
		tp.Side = validSide(tp.Side)
		return tp
	case *domain.OptionTradePayload:
		cp := *tp
		cp.Side = validSide(cp.Side)
		return &cp
	case domain.OptionTradePayload:
		tp.Side = validSide(tp.Side)
		return tp
	default:
		return p
	}
}

// validSide enum-validates the aggressor side; anything outside buy/sell
// becomes unknown. Downstream may infer the side from the BBO.
func validSide(s domain.AggressorSide) domain.AggressorSide {
	switch s {
	case domain.SideBuy, domain.SideSell:
		return s
	default:
		return domain.SideUnknown
	}
}

// Normalizer applies Canonicalize plus the stateful checks: duplicate and
// out-of-order sequence suppression and payload validation. Rejections are
// surfaced as integrity events through the emitter.
type Normalizer struct {
	emit func(domain.Event)

	mu      sync.Mutex
	lastSeq map[string]uint64
}

// New creates a normalizer. The emitter receives integrity events for
// rejected inputs and may be nil.
func New(emit func(domain.Event)) *Normalizer {
	return &Normalizer{
		emit:    emit,
		lastSeq: make(map[string]uint64),
	}
}

// Process normalizes one event. The boolean reports whether the event
// should continue into the pipeline; rejected events have already been
// reported as integrity events.
func (n *Normalizer) Process(ev domain.Event) (domain.Event, bool) {
	ev = Canonicalize(ev)

	switch p := payloadValue(ev.Payload).(type) {
	case domain.TradePayload:
		if err := domain.ValidateTrade(p); err != nil {
			n.reject(ev, domain.IntegrityInvalidTrade, err.Error())
			return ev, false
		}
	case domain.L2SnapshotPayload:
		if err := domain.ValidateL2Snapshot(p); err != nil {
			n.reject(ev, domain.IntegrityInvalidBook, err.Error())
			return ev, false
		}
	case domain.BarPayload:
		if err := domain.ValidateBar(p); err != nil {
			n.reject(ev, domain.IntegrityInvalidBar, err.Error())
			return ev, false
		}
	}

	if ev.Sequence != 0 {
		key := ev.Key()
		n.mu.Lock()
		last, seen := n.lastSeq[key]
		switch {
		case seen && ev.Sequence == last:
			n.mu.Unlock()
			n.reject(ev, domain.IntegrityDuplicate,
				fmt.Sprintf("duplicate sequence %d", ev.Sequence))
			return ev, false
		case seen && ev.Sequence < last:
			n.mu.Unlock()
			n.reject(ev, domain.IntegrityOutOfOrder,
				fmt.Sprintf("sequence %d after %d", ev.Sequence, last))
			return ev, false
		default:
			n.lastSeq[key] = ev.Sequence
			n.mu.Unlock()
		}
	}

	return ev, true
}

// Reset clears sequence state for one source, used when a provider
// reconnects and restarts its sequence space.
func (n *Normalizer) Reset(source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key := range n.lastSeq {
		if len(key) > len(source) && key[:len(source)] == source && key[len(source)] == '|' {
			delete(n.lastSeq, key)
		}
	}
}

func (n *Normalizer) reject(ev domain.Event, kind domain.IntegrityKind, msg string) {
	if n.emit == nil {
		return
	}
	sym := ev.CanonicalSymbol
	if sym == "" {
		sym = ev.Symbol
	}
	n.emit(domain.NewIntegrityEvent(ev.Source, sym, domain.IntegrityPayload{
		Kind:     kind,
		Severity: domain.SeverityWarning,
		Message:  msg,
	}))
}

// payloadValue unwraps pointer payloads so validation can switch on value
// types regardless of how the adapter built the event.
func payloadValue(p domain.Payload) domain.Payload {
	switch tp := p.(type) {
	case *domain.TradePayload:
		return *tp
	case *domain.L2SnapshotPayload:
		return *tp
	case *domain.BarPayload:
		return *tp
	default:
		return p
	}
}
