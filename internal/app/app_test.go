package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpscan/perpscan/internal/config"
	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

// testConfig points the only enabled venue at a dead local port so nothing
// reaches the network while still exercising the full wiring.
func testConfig() *config.Config {
	return &config.Config{
		ListenPort:            39177,
		MaxPriceAge:           2 * time.Second,
		ArbitrageCooldown:     time.Second,
		ArbitrageHistoryTTL:   time.Minute,
		PriceSweepInterval:    time.Second,
		BroadcastInterval:     50 * time.Millisecond,
		BroadcastMaxBatch:     100,
		WatchdogInterval:      15 * time.Second,
		MaxReconnectAttempts:  3,
		SnapshotMaxAge:        10 * time.Second,
		MinSpreadPct:          0.1,
		MaxRealisticSpreadPct: 5,
		StatsInterval:         time.Second,
		PollInterval:          100 * time.Millisecond,
		Venues: map[string]config.VenueConfig{
			"bybit": {
				Enabled:   true,
				Transport: config.TransportPolling,
				RestURL:   "http://127.0.0.1:9",
				Symbols:   []string{"BTCUSDT"},
			},
		},
	}
}

func TestNewWiresComponents(t *testing.T) {
	a, err := newApp(testConfig(), metrics.NewIsolatedRegistry())
	require.NoError(t, err)

	assert.NotNil(t, a.pool)
	assert.NotNil(t, a.aggregator)
	assert.NotNil(t, a.detector)
	assert.NotNil(t, a.broadcaster)
	assert.NotNil(t, a.hub)
	assert.NotNil(t, a.snapshots)
	assert.NotNil(t, a.server)
	assert.Nil(t, a.bridge)
	assert.Nil(t, a.pgWriter)
}

func TestNewRejectsUnknownVenue(t *testing.T) {
	cfg := testConfig()
	cfg.Venues["mystery"] = config.VenueConfig{Enabled: true, Transport: config.TransportPolling}

	_, err := newApp(cfg, metrics.NewIsolatedRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venue pool")
}

func TestPublisherNeedsRedisAddr(t *testing.T) {
	cfg := testConfig()
	cfg.RedisPublish = true

	a, err := newApp(cfg, metrics.NewIsolatedRegistry())
	require.NoError(t, err)
	assert.Nil(t, a.bridge, "publisher stays off without REDIS_ADDR")
}

func TestHealthReportsConfiguredVenues(t *testing.T) {
	a, err := newApp(testConfig(), metrics.NewIsolatedRegistry())
	require.NoError(t, err)

	health := a.Health()
	require.Contains(t, health, "bybit")
	assert.Equal(t, model.StateClosed, health["bybit"])
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := newApp(testConfig(), metrics.NewIsolatedRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down after cancel")
	}
}
