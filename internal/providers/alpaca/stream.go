// Package alpaca adapts the Alpaca Market Data API: websocket streaming for
// trades and quotes, and daily bars over REST.
package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/provider"
	"github.com/feedrun/feedrun/internal/resilience"
	"github.com/feedrun/feedrun/internal/ws"
)

const (
	// ProviderID is the registry id of the Alpaca adapter.
	ProviderID = "alpaca"

	defaultStreamURL = "wss://stream.data.alpaca.markets/v2/iex"
)

// StreamConfig tunes the streaming adapter.
type StreamConfig struct {
	URL      string    `yaml:"url"`
	Session  ws.Config `yaml:"session"`
	Priority int       `yaml:"priority"`
}

// Stream is the Alpaca streaming adapter. One websocket session serves all
// symbols; trade and quote channels are multiplexed by the vendor.
type Stream struct {
	cfg     StreamConfig
	keyID   string
	secret  string
	session *ws.Session
	emit    provider.Emitter

	mu     sync.Mutex
	nextID int64
	trades map[int64]domain.SymbolSubscription // sub id -> subscription
	quotes map[int64]domain.SymbolSubscription
	seq    uint64
}

// NewStream creates the streaming adapter. The emitter receives all
// canonical events.
func NewStream(cfg StreamConfig, keyID, secret string, emit provider.Emitter) *Stream {
	if cfg.URL == "" {
		cfg.URL = defaultStreamURL
	}
	cfg.Session.URL = cfg.URL

	s := &Stream{
		cfg:    cfg,
		keyID:  keyID,
		secret: secret,
		emit:   emit,
		trades: make(map[int64]domain.SymbolSubscription),
		quotes: make(map[int64]domain.SymbolSubscription),
	}
	s.session = ws.NewSession(ProviderID, cfg.Session, ws.Callbacks{
		OnMessage:   s.handleMessage,
		OnReconnect: s.replay,
		OnStateChange: func(from, to ws.State) {
			if to == ws.Reconnecting || to == ws.Closed {
				s.emitIntegrity(domain.IntegrityConnectionLost, fmt.Sprintf("ws %s", to))
			}
		},
	})
	return s
}

// ID implements StreamingProvider.
func (s *Stream) ID() string { return ProviderID }

// DisplayName implements StreamingProvider.
func (s *Stream) DisplayName() string { return "Alpaca Markets" }

// Priority implements StreamingProvider.
func (s *Stream) Priority() int { return s.cfg.Priority }

// Capabilities implements StreamingProvider. Alpaca's IEX feed serves trades
// and top-of-book quotes; full depth is not available.
func (s *Stream) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsTrades: true,
		SupportsQuotes: true,
		MaxDepthLevels: 1,
		RateLimit:      resilience.RateLimitConfig{MaxRequests: 200, Window: time.Minute},
	}
}

// Connect dials the stream and authenticates.
func (s *Stream) Connect(ctx context.Context) error {
	if err := s.session.Connect(ctx); err != nil {
		return provider.NewError(ProviderID, provider.ErrCodeNetworkError, "stream connect failed", err)
	}
	return s.authenticate()
}

// Disconnect closes the stream.
func (s *Stream) Disconnect(ctx context.Context) error {
	return s.session.Close(ctx)
}

func (s *Stream) authenticate() error {
	msg := map[string]string{"action": "auth", "key": s.keyID, "secret": s.secret}
	if err := s.session.WriteJSON(msg); err != nil {
		return provider.NewError(ProviderID, provider.ErrCodeAuthentication, "auth send failed", err)
	}
	return nil
}

// replay re-authenticates and re-issues every live subscription after a
// reconnect, in insertion order.
func (s *Stream) replay(ctx context.Context) error {
	if err := s.authenticate(); err != nil {
		return err
	}
	s.mu.Lock()
	tradeSyms := symbolsOf(s.trades)
	quoteSyms := symbolsOf(s.quotes)
	s.mu.Unlock()

	if len(tradeSyms) == 0 && len(quoteSyms) == 0 {
		return nil
	}
	log.Info().Strs("trades", tradeSyms).Strs("quotes", quoteSyms).
		Msg("alpaca replaying subscriptions")
	return s.sendSubscribe(tradeSyms, quoteSyms)
}

func symbolsOf(subs map[int64]domain.SymbolSubscription) []string {
	out := make([]string, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Canonical())
	}
	return out
}

func (s *Stream) sendSubscribe(trades, quotes []string) error {
	msg := map[string]any{"action": "subscribe"}
	if len(trades) > 0 {
		msg["trades"] = trades
	}
	if len(quotes) > 0 {
		msg["quotes"] = quotes
	}
	return s.session.WriteJSON(msg)
}

func (s *Stream) sendUnsubscribe(trades, quotes []string) error {
	msg := map[string]any{"action": "unsubscribe"}
	if len(trades) > 0 {
		msg["trades"] = trades
	}
	if len(quotes) > 0 {
		msg["quotes"] = quotes
	}
	return s.session.WriteJSON(msg)
}

// SubscribeTrades implements StreamingProvider.
func (s *Stream) SubscribeTrades(ctx context.Context, sub domain.SymbolSubscription) (int64, error) {
	if err := s.sendSubscribe([]string{sub.Canonical()}, nil); err != nil {
		return provider.SubscriptionUnavailable,
			provider.NewError(ProviderID, provider.ErrCodeNetworkError, "trade subscribe failed", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.trades[s.nextID] = sub
	return s.nextID, nil
}

// UnsubscribeTrades implements StreamingProvider.
func (s *Stream) UnsubscribeTrades(ctx context.Context, id int64) error {
	s.mu.Lock()
	sub, ok := s.trades[id]
	delete(s.trades, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.sendUnsubscribe([]string{sub.Canonical()}, nil)
}

// SubscribeMarketDepth implements StreamingProvider. Alpaca serves top-of-
// book quotes; those stand in for level-1 depth.
func (s *Stream) SubscribeMarketDepth(ctx context.Context, sub domain.SymbolSubscription) (int64, error) {
	if err := s.sendSubscribe(nil, []string{sub.Canonical()}); err != nil {
		return provider.SubscriptionUnavailable,
			provider.NewError(ProviderID, provider.ErrCodeNetworkError, "quote subscribe failed", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.quotes[s.nextID] = sub
	return s.nextID, nil
}

// UnsubscribeMarketDepth implements StreamingProvider.
func (s *Stream) UnsubscribeMarketDepth(ctx context.Context, id int64) error {
	s.mu.Lock()
	sub, ok := s.quotes[id]
	delete(s.quotes, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.sendUnsubscribe(nil, []string{sub.Canonical()})
}

// streamMessage is one element of Alpaca's message array. The "T" field
// discriminates trades ("t"), quotes ("q") and control messages.
type streamMessage struct {
	Type      string  `json:"T"`
	Symbol    string  `json:"S"`
	Price     float64 `json:"p"`
	Size      float64 `json:"s"`
	BidPrice  float64 `json:"bp"`
	BidSize   float64 `json:"bs"`
	AskPrice  float64 `json:"ap"`
	AskSize   float64 `json:"as"`
	Exchange  string  `json:"x"`
	TradeID   int64   `json:"i"`
	Timestamp string  `json:"t"`
	Message   string  `json:"msg"`
}

func (s *Stream) handleMessage(data []byte) {
	var msgs []streamMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		log.Debug().Err(err).Msg("alpaca: unparseable frame")
		return
	}
	for _, m := range msgs {
		switch m.Type {
		case "t":
			s.emitEvent(m.Symbol, domain.EventTrade, m.Timestamp, &domain.TradePayload{
				Price:    m.Price,
				Size:     m.Size,
				Side:     domain.SideUnknown, // IEX feed does not carry aggressor side
				TradeID:  fmt.Sprintf("%d", m.TradeID),
				Exchange: m.Exchange,
			})
		case "q":
			s.emitEvent(m.Symbol, domain.EventBboQuote, m.Timestamp, &domain.BboQuotePayload{
				BidPrice: m.BidPrice,
				BidSize:  m.BidSize,
				AskPrice: m.AskPrice,
				AskSize:  m.AskSize,
				Exchange: m.Exchange,
			})
		case "error":
			log.Warn().Str("msg", m.Message).Msg("alpaca stream error")
		case "success", "subscription":
			// Control acknowledgements.
		}
	}
}

func (s *Stream) emitEvent(symbol string, eventType domain.EventType, tsRaw string, payload domain.Payload) {
	if s.emit == nil {
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		ts = time.Now().UTC()
	}
	ev := domain.NewEvent(ProviderID, symbol, eventType, ts, payload)
	s.mu.Lock()
	s.seq++
	ev.Sequence = s.seq
	s.mu.Unlock()
	s.emit(ev)
}

func (s *Stream) emitIntegrity(kind domain.IntegrityKind, msg string) {
	if s.emit == nil {
		return
	}
	s.emit(domain.NewIntegrityEvent(ProviderID, "", domain.IntegrityPayload{
		Kind:     kind,
		Severity: domain.SeverityWarning,
		Message:  msg,
	}))
}
