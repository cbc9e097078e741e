package polygon

import (
	"context"
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

func fakeCluster(t *testing.T, subscribed *[]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]string
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["action"] {
			case "auth":
				_ = conn.WriteMessage(websocket.TextMessage,
					[]byte(`[{"ev":"status","status":"auth_success"}]`))
			case "subscribe":
				mu.Lock()
				*subscribed = append(*subscribed, msg["params"])
				mu.Unlock()
				_ = conn.WriteMessage(websocket.TextMessage, []byte(
					`[{"ev":"T","sym":"SPY","p":450.5,"s":200,"x":4,"t":1717421400123},`+
						`{"ev":"Q","sym":"SPY","bp":450.49,"bs":5,"ap":450.51,"as":6,"t":1717421400456}]`))
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamEmitsTradesAndQuotes(t *testing.T) {
	var subscribed []string
	srv := fakeCluster(t, &subscribed)
	defer srv.Close()

	var mu sync.Mutex
	var events []domain.Event
	s := NewStream(StreamConfig{URL: wsURL(srv)}, "apikey", func(ev domain.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect(ctx)

	_, err := s.SubscribeTrades(ctx, domain.SymbolSubscription{Symbol: "spy"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"T.SPY"}, subscribed, "channel prefix and canonical symbol")

	mu.Lock()
	defer mu.Unlock()
	var trade *domain.Event
	for i := range events {
		if events[i].Type == domain.EventTrade {
			trade = &events[i]
		}
	}
	require.NotNil(t, trade)
	assert.Equal(t, ProviderID, trade.Source)
	tp := trade.Payload.(*domain.TradePayload)
	assert.Equal(t, 450.5, tp.Price)
	assert.Equal(t, int64(1717421400123), trade.Timestamp.UnixMilli(), "unix millis decoded")
}

func TestStreamChannelLifecycle(t *testing.T) {
	var subscribed []string
	srv := fakeCluster(t, &subscribed)
	defer srv.Close()

	s := NewStream(StreamConfig{URL: wsURL(srv)}, "apikey", nil)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect(ctx)

	tid, err := s.SubscribeTrades(ctx, domain.SymbolSubscription{Symbol: "SPY"})
	require.NoError(t, err)
	qid, err := s.SubscribeMarketDepth(ctx, domain.SymbolSubscription{Symbol: "SPY"})
	require.NoError(t, err)

	require.NoError(t, s.UnsubscribeTrades(ctx, tid))
	require.NoError(t, s.UnsubscribeMarketDepth(ctx, qid))
	require.NoError(t, s.UnsubscribeTrades(ctx, 12345), "unknown id is a no-op")
}

func TestStreamSubscribeWithoutConnection(t *testing.T) {
	s := NewStream(StreamConfig{URL: "ws://127.0.0.1:1"}, "apikey", nil)
	id, err := s.SubscribeTrades(context.Background(), domain.SymbolSubscription{Symbol: "SPY"})
	assert.Error(t, err)
	assert.Equal(t, provider.SubscriptionUnavailable, id)
}

func TestPluginCredentialField(t *testing.T) {
	p := NewPlugin(StreamConfig{}, nil)
	fields := p.CredentialFields()
	require.Len(t, fields, 1)
	assert.Equal(t, "POLYGON__APIKEY", provider.EnvVarFor(p.Info().ID, fields[0].Name))

	reg := provider.NewRegistry()
	require.NoError(t, p.Register(context.Background(), reg, provider.Credentials{"apikey": "k"}))
	_, err := reg.GetStreaming(ProviderID)
	assert.NoError(t, err)
}
