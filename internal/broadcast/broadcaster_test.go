package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

type fakeSub struct {
	id     string
	filter model.Subscription

	mu     sync.Mutex
	events []string
	frames [][]byte
}

func newFakeSub(id string) *fakeSub {
	return &fakeSub{id: id, filter: model.NewSubscription()}
}

func (f *fakeSub) ID() string                 { return f.id }
func (f *fakeSub) Filter() model.Subscription { return f.filter.Clone() }

func (f *fakeSub) Deliver(event string, frame []byte) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

func (f *fakeSub) delivered(event string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for i, e := range f.events {
		if e == event {
			out = append(out, f.frames[i])
		}
	}
	return out
}

func decodeBatch(t *testing.T, frame []byte) []model.PriceUpdate {
	t.Helper()
	var env model.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	require.Equal(t, model.EventPriceUpdate, env.Event)
	var batch []model.PriceUpdate
	require.NoError(t, json.Unmarshal(env.Data, &batch))
	return batch
}

func quote(venue, symbol string, bid, ask float64) model.Quote {
	return model.Quote{Venue: venue, Symbol: symbol, Bid: bid, Ask: ask, ObservedAt: time.Now()}
}

func TestBatchCoalescesIntoSingleFrame(t *testing.T) {
	b := New(100*time.Millisecond, 10000, metrics.NewIsolatedRegistry())
	sub := newFakeSub("a")
	b.Attach(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for i := 0; i < 5; i++ {
		b.PublishQuote(quote("binance", "BTC-USD", 43250+float64(i), 43251+float64(i)))
	}

	require.Eventually(t, func() bool {
		return len(sub.delivered(model.EventPriceUpdate)) >= 1
	}, time.Second, 10*time.Millisecond)

	// No further quotes arrive, so no further frames may be emitted.
	time.Sleep(150 * time.Millisecond)
	frames := sub.delivered(model.EventPriceUpdate)
	require.Len(t, frames, 1, "five quotes inside one interval coalesce into one frame")
	assert.Len(t, decodeBatch(t, frames[0]), 5)
}

func TestBatchBoundForcesEarlyFlush(t *testing.T) {
	b := New(time.Hour, 3, metrics.NewIsolatedRegistry())
	sub := newFakeSub("a")
	b.Attach(sub)

	for i := 0; i < 3; i++ {
		b.PublishQuote(quote("binance", "BTC-USD", 43250, 43251))
	}

	frames := sub.delivered(model.EventPriceUpdate)
	require.Len(t, frames, 1, "hitting the bound flushes without waiting for the ticker")
	assert.Len(t, decodeBatch(t, frames[0]), 3)
}

func TestPriceFilteringPerSubscriber(t *testing.T) {
	b := New(time.Hour, 10000, metrics.NewIsolatedRegistry())

	all := newFakeSub("all")
	btcOnly := newFakeSub("btc")
	btcOnly.filter.Symbols["BTC-USD"] = struct{}{}
	bybitOnly := newFakeSub("bybit")
	bybitOnly.filter.Venues["bybit"] = struct{}{}
	b.Attach(all)
	b.Attach(btcOnly)
	b.Attach(bybitOnly)

	b.PublishQuote(quote("binance", "BTC-USD", 43250, 43251))
	b.PublishQuote(quote("bybit", "ETH-USD", 3000, 3001))
	b.flush()

	require.Len(t, all.delivered(model.EventPriceUpdate), 1)
	assert.Len(t, decodeBatch(t, all.delivered(model.EventPriceUpdate)[0]), 2)

	batch := decodeBatch(t, btcOnly.delivered(model.EventPriceUpdate)[0])
	require.Len(t, batch, 1)
	assert.Equal(t, "BTC-USD", batch[0].Symbol)

	batch = decodeBatch(t, bybitOnly.delivered(model.EventPriceUpdate)[0])
	require.Len(t, batch, 1)
	assert.Equal(t, "bybit", batch[0].Exchange)
}

func TestSubscriberWithNoMatchesGetsNoFrame(t *testing.T) {
	b := New(time.Hour, 10000, metrics.NewIsolatedRegistry())
	sol := newFakeSub("sol")
	sol.filter.Symbols["SOL-USD"] = struct{}{}
	b.Attach(sol)

	b.PublishQuote(quote("binance", "BTC-USD", 43250, 43251))
	b.flush()

	assert.Empty(t, sol.delivered(model.EventPriceUpdate))
}

func TestOpportunityBypassesBatchingAndFilters(t *testing.T) {
	b := New(time.Hour, 10000, metrics.NewIsolatedRegistry())
	all := newFakeSub("all")
	ethOnly := newFakeSub("eth")
	ethOnly.filter.Symbols["ETH-USD"] = struct{}{}
	b.Attach(all)
	b.Attach(ethOnly)

	b.PublishOpportunity(model.Opportunity{
		ID: "op-1", Symbol: "BTC-USD", BuyVenue: "binance", SellVenue: "bybit",
		BuyPrice: 43250, SellPrice: 43300, SpreadPct: 0.1156, DetectedAt: time.Now(),
	})

	frames := all.delivered(model.EventOpportunity)
	require.Len(t, frames, 1, "opportunities are never batched")

	var env model.Envelope
	require.NoError(t, json.Unmarshal(frames[0], &env))
	var opp model.OpportunityUpdate
	require.NoError(t, json.Unmarshal(env.Data, &opp))
	assert.Equal(t, "binance", opp.BuyExchange)
	assert.Equal(t, "bybit", opp.SellExchange)

	assert.Empty(t, ethOnly.delivered(model.EventOpportunity), "symbol filter applies to opportunities")
}

func TestStateEventMapping(t *testing.T) {
	b := New(time.Hour, 10000, metrics.NewIsolatedRegistry())
	sub := newFakeSub("a")
	b.Attach(sub)

	b.PublishState(model.StateEvent{Venue: "bybit", State: model.StateConnecting})
	b.PublishState(model.StateEvent{Venue: "bybit", State: model.StateOpen})
	b.PublishState(model.StateEvent{Venue: "bybit", State: model.StateDegraded, Err: "watchdog: no frame within 15s"})
	b.PublishState(model.StateEvent{Venue: "bybit", State: model.StateClosed})

	assert.Empty(t, sub.delivered("exchange:connecting"), "connecting is internal")
	require.Len(t, sub.delivered(model.EventVenueConnected), 1)
	require.Len(t, sub.delivered(model.EventVenueDisconnected), 1)

	errFrames := sub.delivered(model.EventVenueError)
	require.Len(t, errFrames, 1)
	var env model.Envelope
	require.NoError(t, json.Unmarshal(errFrames[0], &env))
	var ev model.VenueEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "bybit", ev.Exchange)
	assert.Contains(t, ev.Error, "watchdog")
}

func TestStateEventsRespectVenueFilter(t *testing.T) {
	b := New(time.Hour, 10000, metrics.NewIsolatedRegistry())
	binanceOnly := newFakeSub("binance")
	binanceOnly.filter.Venues["binance"] = struct{}{}
	b.Attach(binanceOnly)

	b.PublishState(model.StateEvent{Venue: "bybit", State: model.StateOpen})
	assert.Empty(t, binanceOnly.delivered(model.EventVenueConnected))

	b.PublishState(model.StateEvent{Venue: "binance", State: model.StateOpen})
	assert.Len(t, binanceOnly.delivered(model.EventVenueConnected), 1)
}

func TestStatsReachEveryone(t *testing.T) {
	b := New(time.Hour, 10000, metrics.NewIsolatedRegistry())
	filtered := newFakeSub("filtered")
	filtered.filter.Symbols["SOL-USD"] = struct{}{}
	b.Attach(filtered)

	b.PublishStats(model.ArbStats{TotalDetected: 7, MinSpreadPct: 0.1})

	frames := filtered.delivered(model.EventArbStats)
	require.Len(t, frames, 1)
	var env model.Envelope
	require.NoError(t, json.Unmarshal(frames[0], &env))
	var stats model.ArbStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, int64(7), stats.TotalDetected)
}

func TestDetachStopsDelivery(t *testing.T) {
	b := New(time.Hour, 10000, metrics.NewIsolatedRegistry())
	sub := newFakeSub("a")
	b.Attach(sub)
	require.Equal(t, 1, b.SubscriberCount())

	b.Detach("a")
	assert.Equal(t, 0, b.SubscriberCount())

	b.PublishQuote(quote("binance", "BTC-USD", 43250, 43251))
	b.flush()
	assert.Empty(t, sub.delivered(model.EventPriceUpdate))
}
