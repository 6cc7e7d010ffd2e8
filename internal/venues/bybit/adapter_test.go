package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/symbols"
	"github.com/perpscan/perpscan/internal/venues"
)

type nopSink struct{}

func (nopSink) Quote(model.Quote)      {}
func (nopSink) State(model.StateEvent) {}

func newTestAdapter(t *testing.T, restURL string, symbolList []string) *Adapter {
	t.Helper()
	return New(venues.Settings{
		Venue:      Name,
		RestURL:    restURL,
		Symbols:    symbolList,
		Normalizer: symbols.New(nil),
		Sink:       nopSink{},
		Metrics:    metrics.NewIsolatedRegistry(),
	}, http.DefaultClient, venues.NewHostLimiter(1000, 1000))
}

const tickersBody = `{
	"retCode": 0,
	"retMsg": "OK",
	"result": {
		"category": "linear",
		"list": [
			{"symbol": "BTCUSDT", "bid1Price": "43250.10", "ask1Price": "43250.30"},
			{"symbol": "ETHUSDT", "bid1Price": "3000.5", "ask1Price": "3000.7"},
			{"symbol": "XRPUSDT", "bid1Price": "0.5", "ask1Price": "0.51"}
		]
	}
}`

func TestFetchFiltersToConfiguredSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		fmt.Fprint(w, tickersBody)
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, []string{"BTCUSDT", "ETHUSDT"})
	quotes, err := adapter.fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, quotes, 2, "XRP is outside the working set")

	bySymbol := map[string]model.Quote{}
	for _, q := range quotes {
		bySymbol[q.Symbol] = q
	}
	assert.Equal(t, 43250.10, bySymbol["BTC-USD"].Bid)
	assert.Equal(t, 43250.30, bySymbol["BTC-USD"].Ask)
	assert.Equal(t, Name, bySymbol["BTC-USD"].Venue)
	assert.Equal(t, 3000.5, bySymbol["ETH-USD"].Bid)
}

func TestNonZeroReturnCodeFailsCycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":10001,"retMsg":"params error","result":{}}`)
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, []string{"BTCUSDT"})
	_, err := adapter.fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10001")
}

func TestHTTPErrorFailsCycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, []string{"BTCUSDT"})
	_, err := adapter.fetch(context.Background())
	assert.Error(t, err)
}

func TestBadTickerPricesAreSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"retCode": 0, "retMsg": "OK",
			"result": {"category": "linear", "list": [
				{"symbol": "BTCUSDT", "bid1Price": "", "ask1Price": "43250"},
				{"symbol": "ETHUSDT", "bid1Price": "3000.5", "ask1Price": "3000.7"}
			]}
		}`)
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, []string{"BTCUSDT", "ETHUSDT"})
	quotes, err := adapter.fetch(context.Background())
	require.NoError(t, err, "a bad row must not fail the cycle")
	require.Len(t, quotes, 1)
	assert.Equal(t, "ETH-USD", quotes[0].Symbol)
}
