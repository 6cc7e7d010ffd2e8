package paradex

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

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/symbols"
	"github.com/perpscan/perpscan/internal/venues"
)

type captureSink struct {
	mu     sync.Mutex
	quotes []model.Quote
}

func (c *captureSink) Quote(q model.Quote) {
	c.mu.Lock()
	c.quotes = append(c.quotes, q)
	c.mu.Unlock()
}

func (c *captureSink) State(model.StateEvent) {}

func (c *captureSink) snapshot() []model.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Quote(nil), c.quotes...)
}

func newTestAdapter(markets []string) (*Adapter, *captureSink) {
	sink := &captureSink{}
	return New(venues.Settings{
		Venue:                Name,
		WSURL:                "wss://example.invalid/v1",
		Symbols:              markets,
		WatchdogInterval:     5 * time.Second,
		MaxReconnectAttempts: 3,
		Normalizer:           symbols.New(nil),
		Sink:                 sink,
		Metrics:              metrics.NewIsolatedRegistry(),
	}), sink
}

func TestHandleUpdateEmitsQuote(t *testing.T) {
	adapter, sink := newTestAdapter([]string{"BTC-USD-PERP"})

	frame := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"bbo.BTC-USD-PERP","data":{"market":"BTC-USD-PERP","bid":"43250.5","ask":"43251.0","last_updated_at":1700000000000}}}`)
	require.NoError(t, adapter.handleMessage(frame))

	quotes := sink.snapshot()
	require.Len(t, quotes, 1)
	q := quotes[0]
	assert.Equal(t, Name, q.Venue)
	assert.Equal(t, "BTC-USD", q.Symbol)
	assert.Equal(t, 43250.5, q.Bid)
	assert.Equal(t, 43251.0, q.Ask)
	assert.False(t, q.Synthetic)
	assert.WithinDuration(t, time.Now(), q.ObservedAt, time.Second)
}

func TestHandleUpdateIgnoresUnknownMarket(t *testing.T) {
	adapter, sink := newTestAdapter([]string{"BTC-USD-PERP"})

	frame := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"bbo.ETH-USD-PERP","data":{"market":"ETH-USD-PERP","bid":"3000","ask":"3001"}}}`)
	require.NoError(t, adapter.handleMessage(frame))
	assert.Empty(t, sink.snapshot())
}

func TestHandleUpdateRejectsBadPrices(t *testing.T) {
	adapter, sink := newTestAdapter([]string{"BTC-USD-PERP"})

	for _, frame := range []string{
		`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"bbo.BTC-USD-PERP","data":{"market":"BTC-USD-PERP","bid":"oops","ask":"43251"}}}`,
		`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"bbo.BTC-USD-PERP","data":{"market":"BTC-USD-PERP","bid":"43250","ask":"-1"}}}`,
		`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"bbo.BTC-USD-PERP","data":{"market":"BTC-USD-PERP","bid":"","ask":""}}}`,
	} {
		require.NoError(t, adapter.handleMessage([]byte(frame)))
	}
	assert.Empty(t, sink.snapshot())
}

func TestErrorResponseDropsMarket(t *testing.T) {
	adapter, sink := newTestAdapter([]string{"BTC-USD-PERP", "ETH-USD-PERP"})

	adapter.mu.Lock()
	adapter.pending[7] = "ETH-USD-PERP"
	adapter.mu.Unlock()

	frame := []byte(`{"jsonrpc":"2.0","error":{"code":-32600,"message":"unknown channel"},"id":7}`)
	require.NoError(t, adapter.handleMessage(frame))

	adapter.mu.Lock()
	_, stillPending := adapter.pending[7]
	_, stillTracked := adapter.markets["ETH-USD-PERP"]
	adapter.mu.Unlock()
	assert.False(t, stillPending)
	assert.False(t, stillTracked, "rejected market must leave the working set")

	update := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"bbo.ETH-USD-PERP","data":{"market":"ETH-USD-PERP","bid":"3000","ask":"3001"}}}`)
	require.NoError(t, adapter.handleMessage(update))
	assert.Empty(t, sink.snapshot())
}

func TestAckKeepsMarket(t *testing.T) {
	adapter, _ := newTestAdapter([]string{"BTC-USD-PERP"})

	adapter.mu.Lock()
	adapter.pending[3] = "BTC-USD-PERP"
	adapter.mu.Unlock()

	frame := []byte(`{"jsonrpc":"2.0","result":{"channel":"bbo.BTC-USD-PERP"},"id":3}`)
	require.NoError(t, adapter.handleMessage(frame))

	adapter.mu.Lock()
	_, stillPending := adapter.pending[3]
	_, stillTracked := adapter.markets["BTC-USD-PERP"]
	adapter.mu.Unlock()
	assert.False(t, stillPending)
	assert.True(t, stillTracked)
}

func TestHandleMessageRejectsMalformedFrame(t *testing.T) {
	adapter, _ := newTestAdapter([]string{"BTC-USD-PERP"})
	assert.Error(t, adapter.handleMessage([]byte(`{"jsonrpc":`)))
}

func TestAdapterSubscribesAndStreams(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "subscribe", req.Method)
		assert.Equal(t, "bbo.BTC-USD-PERP", req.Params.Channel)

		conn.WriteJSON(rpcFrame{JSONRPC: "2.0", Result: []byte(`{}`), ID: &req.ID})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"bbo.BTC-USD-PERP","data":{"market":"BTC-USD-PERP","bid":"43250.5","ask":"43251.0","last_updated_at":1700000000000}}}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &captureSink{}
	adapter := New(venues.Settings{
		Venue:                Name,
		WSURL:                "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols:              []string{"BTC-USD-PERP"},
		WatchdogInterval:     5 * time.Second,
		MaxReconnectAttempts: 3,
		Normalizer:           symbols.New(nil),
		Sink:                 sink,
		Metrics:              metrics.NewIsolatedRegistry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, adapter.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		adapter.Stop(stopCtx)
	}()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "BTC-USD", sink.snapshot()[0].Symbol)
}
