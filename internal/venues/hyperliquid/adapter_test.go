package hyperliquid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

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

func newTestAdapter(symbolList []string) (*Adapter, *captureSink) {
	sink := &captureSink{}
	return New(venues.Settings{
		Venue:      Name,
		WSURL:      "wss://example.invalid/ws",
		Symbols:    symbolList,
		Normalizer: symbols.New(nil),
		Sink:       sink,
		Metrics:    metrics.NewIsolatedRegistry(),
	}), sink
}

func TestHandleMidsSynthesizesQuotes(t *testing.T) {
	adapter, sink := newTestAdapter([]string{"BTC", "ETH"})

	frame := []byte(`{"channel":"allMids","data":{"mids":{"BTC":"50000","ETH":"3000.5","SOL":"150"}}}`)
	require.NoError(t, adapter.handleMessage(frame))

	require.Len(t, sink.quotes, 2, "SOL is outside the working set")
	bySymbol := map[string]model.Quote{}
	for _, q := range sink.quotes {
		bySymbol[q.Symbol] = q
	}

	btc := bySymbol["BTC-USD"]
	assert.Equal(t, Name, btc.Venue)
	assert.True(t, btc.Synthetic, "mid-derived quotes must be flagged synthetic")
	assert.InDelta(t, 50000*(1-halfSpread), btc.Bid, 1e-6)
	assert.InDelta(t, 50000*(1+halfSpread), btc.Ask, 1e-6)
	assert.Greater(t, btc.Ask, btc.Bid)

	eth := bySymbol["ETH-USD"]
	assert.InDelta(t, 3000.5*(1-halfSpread), eth.Bid, 1e-6)
}

func TestHandleMidsSkipsBadValues(t *testing.T) {
	adapter, sink := newTestAdapter([]string{"BTC", "ETH"})

	frame := []byte(`{"channel":"allMids","data":{"mids":{"BTC":"not-a-price","ETH":"3000"}}}`)
	require.NoError(t, adapter.handleMessage(frame), "a single bad mid must not poison the frame")
	require.Len(t, sink.quotes, 1)
	assert.Equal(t, "ETH-USD", sink.quotes[0].Symbol)
}

func TestHandleMessageIgnoresAcks(t *testing.T) {
	adapter, sink := newTestAdapter([]string{"BTC"})

	require.NoError(t, adapter.handleMessage([]byte(`{"channel":"subscriptionResponse","data":{}}`)))
	require.NoError(t, adapter.handleMessage([]byte(`{"channel":"pong"}`)))
	assert.Empty(t, sink.quotes)
}

func TestHandleMessageRejectsMalformedFrame(t *testing.T) {
	adapter, _ := newTestAdapter([]string{"BTC"})
	assert.Error(t, adapter.handleMessage([]byte(`{"channel":`)))
}

func TestProbeQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"BTC":"50000","ETH":"3000"}`))
	}))
	defer srv.Close()

	quotes, err := ProbeQuotes(context.Background(), srv.Client(), venues.Settings{
		Venue:      Name,
		RestURL:    srv.URL,
		Symbols:    []string{"BTC", "DOGE"},
		Normalizer: symbols.New(nil),
	})
	require.NoError(t, err)
	require.Len(t, quotes, 1, "DOGE is not in the venue response")
	assert.Equal(t, "BTC-USD", quotes[0].Symbol)
	assert.True(t, quotes[0].Synthetic)
	assert.WithinDuration(t, time.Now(), quotes[0].ObservedAt, time.Second)
}
