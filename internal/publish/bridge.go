// Package publish mirrors the WebSocket fan-out onto Redis pub/sub channels
// so sibling processes (dashboards, recorders) can consume the same frames
// without holding a socket against this instance.
package publish

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

const (
	pricesChannel        = "perpscan:prices"
	opportunitiesChannel = "perpscan:opportunities"
	venuesChannel        = "perpscan:venues"

	publishTimeout = time.Second
	queueBuffer    = 1024
)

// Bridge is a broadcast subscriber that republishes frames to Redis.
// Deliver never blocks the broadcaster; frames queue onto a buffered
// channel and a worker publishes them.
type Bridge struct {
	client  *redis.Client
	metrics *metrics.MetricsRegistry
	ch      chan outbound
}

type outbound struct {
	channel string
	frame   []byte
}

func NewBridge(addr string, m *metrics.MetricsRegistry) *Bridge {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return newBridgeWithClient(client, m)
}

func newBridgeWithClient(client *redis.Client, m *metrics.MetricsRegistry) *Bridge {
	return &Bridge{
		client:  client,
		metrics: m,
		ch:      make(chan outbound, queueBuffer),
	}
}

// ID implements broadcast.Subscriber.
func (b *Bridge) ID() string { return "redis-bridge" }

// Filter implements broadcast.Subscriber. The bridge takes everything.
func (b *Bridge) Filter() model.Subscription { return model.NewSubscription() }

// Deliver implements broadcast.Subscriber.
func (b *Bridge) Deliver(event string, frame []byte) {
	channel := channelFor(event)
	if channel == "" {
		return
	}
	select {
	case b.ch <- outbound{channel: channel, frame: frame}:
	default:
		b.metrics.RecordDrop("redis_publish")
	}
}

// Run publishes queued frames until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-b.ch:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := b.client.Publish(pubCtx, out.channel, out.frame).Err()
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("channel", out.channel).Msg("Redis publish failed")
			}
		}
	}
}

func (b *Bridge) Close() error { return b.client.Close() }

func channelFor(event string) string {
	switch event {
	case model.EventPriceUpdate:
		return pricesChannel
	case model.EventOpportunity, model.EventArbStats:
		return opportunitiesChannel
	case model.EventVenueConnected, model.EventVenueDisconnected, model.EventVenueError:
		return venuesChannel
	default:
		return ""
	}
}
