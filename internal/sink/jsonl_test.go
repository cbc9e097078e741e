package sink

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedrun/feedrun/internal/domain"
)

func tradeEvent(symbol string, seq uint64, ts time.Time) domain.Event {
	ev := domain.NewEvent("alpaca", symbol, domain.EventTrade, ts,
		&domain.TradePayload{Price: 100 + float64(seq), Size: 10, Side: domain.SideBuy})
	ev.CanonicalSymbol = domain.CanonicalizeSymbol(symbol)
	ev.Sequence = seq
	return ev
}

func TestJSONLSinkLayoutAndOrder(t *testing.T) {
	root := t.TempDir()
	s, err := NewJSONLSink(JSONLConfig{DataRoot: root})
	require.NoError(t, err)
	defer s.Close()

	ts := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	batch := []domain.Event{
		tradeEvent("SPY", 1, ts),
		tradeEvent("SPY", 2, ts),
		tradeEvent("AAPL", 1, ts),
	}
	ctx := context.Background()
	require.NoError(t, s.WriteBatch(ctx, batch))
	require.NoError(t, s.Flush(ctx))

	spyPath := filepath.Join(root, "SPY", "trade", "2024-01-02.jsonl")
	f, err := os.Open(spyPath)
	require.NoError(t, err)
	defer f.Close()

	var seqs []uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		seqs = append(seqs, ev.Sequence)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []uint64{1, 2}, seqs, "batch order must be preserved")

	_, err = os.Stat(filepath.Join(root, "AAPL", "trade", "2024-01-02.jsonl"))
	assert.NoError(t, err)
}

func TestJSONLSinkRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := NewJSONLSink(JSONLConfig{DataRoot: root})
	require.NoError(t, err)

	ts := time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)
	ev := tradeEvent("MSFT", 7, ts)
	ctx := context.Background()
	require.NoError(t, s.WriteBatch(ctx, []domain.Event{ev}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(root, "MSFT", "trade", "2024-06-03.jsonl"))
	require.NoError(t, err)

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &decoded))
	assert.Equal(t, ev, decoded, "encode-then-decode must yield an equal event")
}

func TestJSONLSinkCompressed(t *testing.T) {
	root := t.TempDir()
	s, err := NewJSONLSink(JSONLConfig{DataRoot: root, Compress: true})
	require.NoError(t, err)

	ts := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Two flush intervals produce two gzip members; both must decode.
	require.NoError(t, s.WriteBatch(ctx, []domain.Event{tradeEvent("SPY", 1, ts)}))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.WriteBatch(ctx, []domain.Event{tradeEvent("SPY", 2, ts)}))
	require.NoError(t, s.Close())

	f, err := os.Open(filepath.Join(root, "SPY", "trade", "2024-01-02.jsonl.gz"))
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var count int
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		count++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 2, count)
}

func TestJSONLSinkHeartbeatGoesToSystem(t *testing.T) {
	root := t.TempDir()
	s, err := NewJSONLSink(JSONLConfig{DataRoot: root})
	require.NoError(t, err)
	defer s.Close()

	hb := domain.NewHeartbeat("alpaca")
	require.NoError(t, s.WriteBatch(context.Background(), []domain.Event{hb}))
	require.NoError(t, s.Flush(context.Background()))

	date := hb.Timestamp.UTC().Format("2006-01-02")
	_, err = os.Stat(filepath.Join(root, "SYSTEM", "heartbeat", date+".jsonl"))
	assert.NoError(t, err)
}
