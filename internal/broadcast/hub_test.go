package broadcast

import (
	"context"
	"encoding/json"
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
)

type recordingSink struct {
	mu      sync.Mutex
	updates []model.ConfigUpdate
}

func (r *recordingSink) UpdateConfig(u model.ConfigUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newTestClient(hub *Hub) *Client {
	return &Client{
		id:   "client-under-test",
		hub:  hub,
		send: make(chan []byte, clientSendBuffer),
		quit: make(chan struct{}),
		sub:  model.NewSubscription(),
	}
}

func newHubFixture() (*Hub, *Broadcaster, *recordingSink) {
	b := New(time.Hour, 10000, metrics.NewIsolatedRegistry())
	sink := &recordingSink{}
	hub := NewHub(b, sink, symbols.New(nil), metrics.NewIsolatedRegistry())
	return hub, b, sink
}

func TestSubscribeSymbolsReplacesFilter(t *testing.T) {
	hub, _, _ := newHubFixture()
	c := newTestClient(hub)

	c.handleEvent([]byte(`{"event":"subscribe:symbols","data":["BTCUSDT","eth-usd"]}`))
	filter := c.Filter()
	assert.True(t, filter.WantsSymbol("BTC-USD"), "subscriptions are normalized")
	assert.True(t, filter.WantsSymbol("ETH-USD"))
	assert.False(t, filter.WantsSymbol("SOL-USD"))

	// A second subscribe replaces, it does not accumulate.
	c.handleEvent([]byte(`{"event":"subscribe:symbols","data":["SOL-USD"]}`))
	filter = c.Filter()
	assert.False(t, filter.WantsSymbol("BTC-USD"))
	assert.True(t, filter.WantsSymbol("SOL-USD"))
}

func TestUnsubscribeSymbolsRemoves(t *testing.T) {
	hub, _, _ := newHubFixture()
	c := newTestClient(hub)

	c.handleEvent([]byte(`{"event":"subscribe:symbols","data":["BTC-USD","ETH-USD"]}`))
	c.handleEvent([]byte(`{"event":"unsubscribe:symbols","data":["BTC-USD"]}`))

	filter := c.Filter()
	assert.False(t, filter.WantsSymbol("BTC-USD"))
	assert.True(t, filter.WantsSymbol("ETH-USD"))
}

func TestSubscribeExchanges(t *testing.T) {
	hub, _, _ := newHubFixture()
	c := newTestClient(hub)

	c.handleEvent([]byte(`{"event":"subscribe:exchanges","data":["Binance"," bybit "]}`))
	filter := c.Filter()
	assert.True(t, filter.WantsVenue("binance"))
	assert.True(t, filter.WantsVenue("bybit"))
	assert.False(t, filter.WantsVenue("gateio"))
}

func TestConfigUpdateForwarded(t *testing.T) {
	hub, _, sink := newHubFixture()
	c := newTestClient(hub)

	c.handleEvent([]byte(`{"event":"config:update","data":{"minSpread":0.25}}`))
	require.Equal(t, 1, sink.count())
	require.NotNil(t, sink.updates[0].MinSpread)
	assert.Equal(t, 0.25, *sink.updates[0].MinSpread)
}

func TestMalformedEventsAreRejectedWithoutSideEffects(t *testing.T) {
	hub, _, sink := newHubFixture()
	c := newTestClient(hub)
	c.handleEvent([]byte(`{"event":"subscribe:symbols","data":["BTC-USD"]}`))

	c.handleEvent([]byte(`not json at all`))
	c.handleEvent([]byte(`{"event":"subscribe:symbols","data":"not-a-list"}`))
	c.handleEvent([]byte(`{"event":"no:such:event","data":[]}`))
	c.handleEvent([]byte(`{"event":"config:update","data":["wrong-shape"]}`))

	filter := c.Filter()
	assert.True(t, filter.WantsSymbol("BTC-USD"), "bad frames must not disturb existing state")
	assert.False(t, filter.WantsSymbol("ETH-USD"))
	assert.Zero(t, sink.count())
}

func TestSlowClientIsDropped(t *testing.T) {
	hub, _, _ := newHubFixture()
	c := &Client{
		id:   "slow",
		hub:  hub,
		send: make(chan []byte, 1),
		quit: make(chan struct{}),
		sub:  model.NewSubscription(),
	}

	c.Deliver(model.EventPriceUpdate, []byte(`{}`))
	c.Deliver(model.EventPriceUpdate, []byte(`{}`))

	select {
	case <-c.quit:
	default:
		t.Fatal("overflowing the send buffer must close the client")
	}
}

func TestHubLifecycleOverWebSocket(t *testing.T) {
	b := New(time.Hour, 1, metrics.NewIsolatedRegistry())
	hub := NewHub(b, &recordingSink{}, symbols.New(nil), metrics.NewIsolatedRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeConn(conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// maxBatch 1 forces a flush per quote, so the frame arrives promptly.
	b.PublishQuote(quote("binance", "BTC-USD", 43250, 43251))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, model.EventPriceUpdate, env.Event)

	conn.Close()
	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
