package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

func TestChannelRouting(t *testing.T) {
	cases := map[string]string{
		model.EventPriceUpdate:       pricesChannel,
		model.EventOpportunity:       opportunitiesChannel,
		model.EventArbStats:          opportunitiesChannel,
		model.EventVenueConnected:    venuesChannel,
		model.EventVenueDisconnected: venuesChannel,
		model.EventVenueError:        venuesChannel,
		model.EventSubscribeSymbols:  "",
		"something:else":             "",
	}
	for event, want := range cases {
		assert.Equal(t, want, channelFor(event), "event %s", event)
	}
}

func TestDeliverQueuesKnownEvents(t *testing.T) {
	b := newBridgeWithClient(nil, metrics.NewIsolatedRegistry())

	b.Deliver(model.EventPriceUpdate, []byte(`{"event":"price:update"}`))
	b.Deliver("unknown:event", []byte(`{}`))

	assert.Len(t, b.ch, 1)
	out := <-b.ch
	assert.Equal(t, pricesChannel, out.channel)
}

func TestDeliverDropsWhenQueueFull(t *testing.T) {
	m := metrics.NewIsolatedRegistry()
	b := newBridgeWithClient(nil, m)
	b.ch = make(chan outbound, 1)

	b.Deliver(model.EventOpportunity, []byte(`{}`))
	b.Deliver(model.EventOpportunity, []byte(`{}`))

	assert.Len(t, b.ch, 1)
	snap := m.Snapshot()
	assert.Equal(t, 1.0, snap["perpscan_quotes_dropped_total"])
}

func TestBridgeSubscriptionTakesEverything(t *testing.T) {
	b := newBridgeWithClient(nil, metrics.NewIsolatedRegistry())
	sub := b.Filter()

	assert.True(t, sub.WantsSymbol("BTC-USD"))
	assert.True(t, sub.WantsVenue("binance"))
	assert.Equal(t, "redis-bridge", b.ID())
}
