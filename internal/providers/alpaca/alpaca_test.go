package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/provider"
)

var upgrader = websocket.Upgrader{}

// fakeFeed is a minimal Alpaca stream stand-in: it acks auth and echoes a
// canned trade and quote after the first subscribe.
func fakeFeed(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["action"] {
			case "auth":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"success","msg":"authenticated"}]`))
			case "subscribe":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(
					`[{"T":"t","S":"SPY","p":450.25,"s":100,"x":"V","i":7,"t":"2024-06-03T13:30:00.0001Z"},`+
						`{"T":"q","S":"SPY","bp":450.24,"bs":2,"ap":450.26,"as":3,"t":"2024-06-03T13:30:00.0002Z"}]`))
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamEmitsCanonicalEvents(t *testing.T) {
	srv := fakeFeed(t)
	defer srv.Close()

	var mu sync.Mutex
	var events []domain.Event
	emit := func(ev domain.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	s := NewStream(StreamConfig{URL: wsURL(srv)}, "key", "secret", emit)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect(ctx)

	id, err := s.SubscribeTrades(ctx, domain.SymbolSubscription{Symbol: "SPY", SubscribeTrades: true})
	require.NoError(t, err)
	assert.Positive(t, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var trade, quote *domain.Event
	for i := range events {
		switch events[i].Type {
		case domain.EventTrade:
			trade = &events[i]
		case domain.EventBboQuote:
			quote = &events[i]
		}
	}

	require.NotNil(t, trade)
	assert.Equal(t, ProviderID, trade.Source)
	assert.Equal(t, "SPY", trade.Symbol)
	tp := trade.Payload.(*domain.TradePayload)
	assert.Equal(t, 450.25, tp.Price)
	assert.Equal(t, float64(100), tp.Size)
	assert.Equal(t, domain.SideUnknown, tp.Side)
	assert.Equal(t, "7", tp.TradeID)
	assert.Equal(t, 2024, trade.Timestamp.Year(), "vendor timestamp is used")

	require.NotNil(t, quote)
	qp := quote.Payload.(*domain.BboQuotePayload)
	assert.Equal(t, 450.24, qp.BidPrice)
	assert.Equal(t, 450.26, qp.AskPrice)

	assert.Less(t, trade.Sequence, quote.Sequence, "sequences increase in arrival order")
}

func TestStreamSubscriptionLifecycle(t *testing.T) {
	srv := fakeFeed(t)
	defer srv.Close()

	s := NewStream(StreamConfig{URL: wsURL(srv)}, "key", "secret", nil)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect(ctx)

	tradeID, err := s.SubscribeTrades(ctx, domain.SymbolSubscription{Symbol: "SPY"})
	require.NoError(t, err)
	depthID, err := s.SubscribeMarketDepth(ctx, domain.SymbolSubscription{Symbol: "QQQ"})
	require.NoError(t, err)
	assert.NotEqual(t, tradeID, depthID)

	require.NoError(t, s.UnsubscribeTrades(ctx, tradeID))
	require.NoError(t, s.UnsubscribeMarketDepth(ctx, depthID))

	// Unknown ids are a no-op.
	require.NoError(t, s.UnsubscribeTrades(ctx, 9999))
}

func TestStreamSubscribeWithoutConnection(t *testing.T) {
	s := NewStream(StreamConfig{URL: "ws://127.0.0.1:1"}, "key", "secret", nil)
	id, err := s.SubscribeTrades(context.Background(), domain.SymbolSubscription{Symbol: "SPY"})
	assert.Error(t, err)
	assert.Equal(t, provider.SubscriptionUnavailable, id)

	var pErr *provider.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, provider.ErrCodeNetworkError, pErr.Code)
}

func barsPayload(t *testing.T, next string, days ...int) []byte {
	t.Helper()
	type bar struct {
		T time.Time `json:"t"`
		O float64   `json:"o"`
		H float64   `json:"h"`
		L float64   `json:"l"`
		C float64   `json:"c"`
		V float64   `json:"v"`
	}
	var bars []bar
	for _, d := range days {
		bars = append(bars, bar{
			T: time.Date(2024, 1, d, 5, 0, 0, 0, time.UTC),
			O: 10, H: 11, L: 9, C: 10.5, V: 1000,
		})
	}
	data, err := json.Marshal(map[string]any{"bars": bars, "next_page_token": next})
	require.NoError(t, err)
	return data
}

func TestHistoricalGetDailyBars(t *testing.T) {
	var gotAuth string
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("APCA-API-KEY-ID")
		assert.Equal(t, "/v2/stocks/SPY/bars", r.URL.Path)
		assert.Equal(t, "1Day", r.URL.Query().Get("timeframe"))

		page++
		if page == 1 {
			w.Write(barsPayload(t, "tok2", 2, 1))
			return
		}
		assert.Equal(t, "tok2", r.URL.Query().Get("page_token"))
		w.Write(barsPayload(t, "", 3))
	}))
	defer srv.Close()

	h := NewHistorical(HistoricalConfig{BaseURL: srv.URL}, "key", "secret")
	bars, err := h.GetDailyBars(context.Background(), "SPY",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, "key", gotAuth)
	require.Len(t, bars, 3, "pagination is followed")
	assert.True(t, bars[0].SessionDate.Before(bars[1].SessionDate), "bars sorted ascending")
	assert.Equal(t, 10.5, bars[0].Close)
}

func TestHistoricalErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, provider.ErrCodeAuthentication},
		{http.StatusNotFound, provider.ErrCodeInvalidSymbol},
		{http.StatusTeapot, provider.ErrCodeAPIError},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			h := NewHistorical(HistoricalConfig{BaseURL: srv.URL}, "key", "secret")
			_, err := h.GetDailyBars(context.Background(), "SPY", time.Now().AddDate(0, -1, 0), time.Now())

			var pErr *provider.Error
			require.ErrorAs(t, err, &pErr)
			assert.Equal(t, tc.code, pErr.Code)
		})
	}
}

func TestHistoricalRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(barsPayload(t, "", 1))
	}))
	defer srv.Close()

	cfg := HistoricalConfig{BaseURL: srv.URL}
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = time.Millisecond
	h := NewHistorical(cfg, "key", "secret")

	bars, err := h.GetDailyBars(context.Background(), "SPY", time.Now().AddDate(0, -1, 0), time.Now())
	require.NoError(t, err)
	assert.Len(t, bars, 1)
	assert.Equal(t, 2, attempts)
}

func TestPluginDeclaresCredentials(t *testing.T) {
	p := NewPlugin(PluginConfig{}, nil)
	assert.Equal(t, ProviderID, p.Info().ID)

	fields := p.CredentialFields()
	require.Len(t, fields, 2)
	for _, f := range fields {
		assert.True(t, f.Required)
	}
	assert.Equal(t, "ALPACA__KEYID", provider.EnvVarFor(ProviderID, fields[0].Name))
}

func TestPluginRegistersBothAdapters(t *testing.T) {
	reg := provider.NewRegistry()
	p := NewPlugin(PluginConfig{}, nil)
	require.NoError(t, p.Register(context.Background(), reg,
		provider.Credentials{"keyid": "k", "secretkey": "s"}))

	_, err := reg.GetStreaming(ProviderID)
	assert.NoError(t, err)
	hist, err := reg.GetHistorical(ProviderID)
	require.NoError(t, err)
	assert.True(t, hist.IsAvailable(context.Background()))
}
