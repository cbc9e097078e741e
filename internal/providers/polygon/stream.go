// Package polygon adapts the Polygon.io stocks websocket cluster for live
// trades and quotes.
package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/provider"
	"github.com/feedrun/feedrun/internal/resilience"
	"github.com/feedrun/feedrun/internal/ws"
)

const (
	// ProviderID is the registry id of the Polygon adapter.
	ProviderID = "polygon"

	defaultStreamURL = "wss://socket.polygon.io/stocks"
)

// StreamConfig tunes the streaming adapter.
type StreamConfig struct {
	URL      string    `yaml:"url"`
	Session  ws.Config `yaml:"session"`
	Priority int       `yaml:"priority"`
}

// Stream is the Polygon streaming adapter. Channels are "T.<symbol>" for
// trades and "Q.<symbol>" for quotes.
type Stream struct {
	cfg    StreamConfig
	apiKey string

	session *ws.Session
	emit    provider.Emitter

	mu     sync.Mutex
	nextID int64
	trades map[int64]string // sub id -> canonical symbol
	quotes map[int64]string
	seq    uint64
}

// NewStream creates the streaming adapter.
func NewStream(cfg StreamConfig, apiKey string, emit provider.Emitter) *Stream {
	if cfg.URL == "" {
		cfg.URL = defaultStreamURL
	}
	cfg.Session.URL = cfg.URL

	s := &Stream{
		cfg:    cfg,
		apiKey: apiKey,
		emit:   emit,
		trades: make(map[int64]string),
		quotes: make(map[int64]string),
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
func (s *Stream) DisplayName() string { return "Polygon.io" }

// Priority implements StreamingProvider.
func (s *Stream) Priority() int { return s.cfg.Priority }

// Capabilities implements StreamingProvider.
func (s *Stream) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsTrades: true,
		SupportsQuotes: true,
		MaxDepthLevels: 1,
		RateLimit:      resilience.RateLimitConfig{MaxRequests: 100, Window: time.Second},
	}
}

// Connect dials the cluster and authenticates.
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
	msg := map[string]string{"action": "auth", "params": s.apiKey}
	if err := s.session.WriteJSON(msg); err != nil {
		return provider.NewError(ProviderID, provider.ErrCodeAuthentication, "auth send failed", err)
	}
	return nil
}

func (s *Stream) replay(ctx context.Context) error {
	if err := s.authenticate(); err != nil {
		return err
	}

	s.mu.Lock()
	var channels []string
	for _, sym := range s.trades {
		channels = append(channels, "T."+sym)
	}
	for _, sym := range s.quotes {
		channels = append(channels, "Q."+sym)
	}
	s.mu.Unlock()

	if len(channels) == 0 {
		return nil
	}
	log.Info().Strs("channels", channels).Msg("polygon replaying subscriptions")
	return s.subscribe(channels...)
}

func (s *Stream) subscribe(channels ...string) error {
	return s.session.WriteJSON(map[string]string{
		"action": "subscribe",
		"params": strings.Join(channels, ","),
	})
}

func (s *Stream) unsubscribe(channels ...string) error {
	return s.session.WriteJSON(map[string]string{
		"action": "unsubscribe",
		"params": strings.Join(channels, ","),
	})
}

// SubscribeTrades implements StreamingProvider.
func (s *Stream) SubscribeTrades(ctx context.Context, sub domain.SymbolSubscription) (int64, error) {
	sym := sub.Canonical()
	if err := s.subscribe("T." + sym); err != nil {
		return provider.SubscriptionUnavailable,
			provider.NewError(ProviderID, provider.ErrCodeNetworkError, "trade subscribe failed", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.trades[s.nextID] = sym
	return s.nextID, nil
}

// UnsubscribeTrades implements StreamingProvider.
func (s *Stream) UnsubscribeTrades(ctx context.Context, id int64) error {
	s.mu.Lock()
	sym, ok := s.trades[id]
	delete(s.trades, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.unsubscribe("T." + sym)
}

// SubscribeMarketDepth implements StreamingProvider. Quotes stand in for
// level-1 depth.
func (s *Stream) SubscribeMarketDepth(ctx context.Context, sub domain.SymbolSubscription) (int64, error) {
	sym := sub.Canonical()
	if err := s.subscribe("Q." + sym); err != nil {
		return provider.SubscriptionUnavailable,
			provider.NewError(ProviderID, provider.ErrCodeNetworkError, "quote subscribe failed", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.quotes[s.nextID] = sym
	return s.nextID, nil
}

// UnsubscribeMarketDepth implements StreamingProvider.
func (s *Stream) UnsubscribeMarketDepth(ctx context.Context, id int64) error {
	s.mu.Lock()
	sym, ok := s.quotes[id]
	delete(s.quotes, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.unsubscribe("Q." + sym)
}

// streamMessage is one element of Polygon's message array. "ev" is the
// channel discriminator: T trades, Q quotes, status control frames.
type streamMessage struct {
	Event     string  `json:"ev"`
	Symbol    string  `json:"sym"`
	Price     float64 `json:"p"`
	Size      float64 `json:"s"`
	BidPrice  float64 `json:"bp"`
	BidSize   float64 `json:"bs"`
	AskPrice  float64 `json:"ap"`
	AskSize   float64 `json:"as"`
	Exchange  int     `json:"x"`
	Timestamp int64   `json:"t"` // unix millis
	Status    string  `json:"status"`
	Message   string  `json:"message"`
}

func (s *Stream) handleMessage(data []byte) {
	var msgs []streamMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		log.Debug().Err(err).Msg("polygon: unparseable frame")
		return
	}
	for _, m := range msgs {
		switch m.Event {
		case "T":
			s.emitEvent(m.Symbol, domain.EventTrade, m.Timestamp, &domain.TradePayload{
				Price:    m.Price,
				Size:     m.Size,
				Side:     domain.SideUnknown,
				Exchange: fmt.Sprintf("%d", m.Exchange),
			})
		case "Q":
			s.emitEvent(m.Symbol, domain.EventBboQuote, m.Timestamp, &domain.BboQuotePayload{
				BidPrice: m.BidPrice,
				BidSize:  m.BidSize,
				AskPrice: m.AskPrice,
				AskSize:  m.AskSize,
			})
		case "status":
			if m.Status == "auth_failed" || m.Status == "error" {
				log.Warn().Str("status", m.Status).Str("message", m.Message).
					Msg("polygon stream status")
			}
		}
	}
}

func (s *Stream) emitEvent(symbol string, eventType domain.EventType, millis int64, payload domain.Payload) {
	if s.emit == nil {
		return
	}
	ts := time.UnixMilli(millis).UTC()
	if millis == 0 {
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

// Plugin registers the Polygon streaming adapter. The credential is
// POLYGON__APIKEY.
type Plugin struct {
	cfg  StreamConfig
	emit provider.Emitter
}

// NewPlugin creates the plugin.
func NewPlugin(cfg StreamConfig, emit provider.Emitter) *Plugin {
	return &Plugin{cfg: cfg, emit: emit}
}

// Info implements provider.Plugin.
func (p *Plugin) Info() provider.PluginInfo {
	return provider.PluginInfo{ID: ProviderID, DisplayName: "Polygon.io", Version: "1.0.0"}
}

// CredentialFields implements provider.Plugin.
func (p *Plugin) CredentialFields() []provider.CredentialField {
	return []provider.CredentialField{{Name: "apikey", Required: true}}
}

// Register implements provider.Plugin.
func (p *Plugin) Register(ctx context.Context, reg *provider.Registry, creds provider.Credentials) error {
	return reg.RegisterStreaming(NewStream(p.cfg, creds["apikey"], p.emit))
}
