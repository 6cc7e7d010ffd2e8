package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

// Subscriber receives outbound wire frames. Deliver must never block; a
// subscriber that cannot keep up is expected to drop itself.
type Subscriber interface {
	ID() string
	Filter() model.Subscription
	Deliver(event string, frame []byte)
}

// Broadcaster coalesces price updates into timed batches and fans them out
// to subscribers with per-subscriber filtering. Opportunities, venue-state
// transitions, and stats bypass batching entirely.
type Broadcaster struct {
	interval time.Duration
	maxBatch int
	metrics  *metrics.MetricsRegistry

	mu      sync.RWMutex
	subs    map[string]Subscriber
	pending []model.PriceUpdate
}

// New builds a broadcaster flushing every interval, or earlier once the
// pending buffer reaches maxBatch.
func New(interval time.Duration, maxBatch int, m *metrics.MetricsRegistry) *Broadcaster {
	return &Broadcaster{
		interval: interval,
		maxBatch: maxBatch,
		metrics:  m,
		subs:     make(map[string]Subscriber),
	}
}

// Attach registers a subscriber for all subsequent frames.
func (b *Broadcaster) Attach(sub Subscriber) {
	b.mu.Lock()
	b.subs[sub.ID()] = sub
	b.mu.Unlock()
}

// Detach removes a subscriber.
func (b *Broadcaster) Detach(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// SubscriberCount reports the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Run drives the batch flush ticker until ctx is done, flushing once more
// on the way out.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

// PublishQuote appends one price update to the pending batch, flushing
// early when the batch bound is hit.
func (b *Broadcaster) PublishQuote(q model.Quote) {
	update := model.PriceUpdateFrom(q)

	b.mu.Lock()
	b.pending = append(b.pending, update)
	full := len(b.pending) >= b.maxBatch
	b.mu.Unlock()

	if full {
		b.flush()
	}
}

// PublishOpportunity fans out one opportunity immediately, filtered by
// symbol.
func (b *Broadcaster) PublishOpportunity(o model.Opportunity) {
	frame, err := frameFor(model.EventOpportunity, model.OpportunityUpdateFrom(o))
	if err != nil {
		log.Error().Err(err).Msg("Encoding opportunity frame failed")
		return
	}

	for _, sub := range b.snapshotSubs() {
		if !sub.Filter().WantsSymbol(o.Symbol) {
			continue
		}
		sub.Deliver(model.EventOpportunity, frame)
	}
	b.metrics.RecordFrame(model.EventOpportunity)
}

// PublishState fans out one venue-state transition immediately, filtered
// by venue. Connecting is internal and produces no client event.
func (b *Broadcaster) PublishState(ev model.StateEvent) {
	var event string
	payload := model.VenueEvent{Exchange: ev.Venue}
	switch ev.State {
	case model.StateOpen:
		event = model.EventVenueConnected
	case model.StateClosed:
		event = model.EventVenueDisconnected
	case model.StateDegraded:
		event = model.EventVenueError
		payload.Error = ev.Err
	default:
		return
	}

	frame, err := frameFor(event, payload)
	if err != nil {
		log.Error().Err(err).Msg("Encoding venue event frame failed")
		return
	}

	for _, sub := range b.snapshotSubs() {
		if !sub.Filter().WantsVenue(ev.Venue) {
			continue
		}
		sub.Deliver(event, frame)
	}
	b.metrics.RecordFrame(event)
}

// PublishStats fans out the aggregate arbitrage counters to everyone.
func (b *Broadcaster) PublishStats(stats model.ArbStats) {
	frame, err := frameFor(model.EventArbStats, stats)
	if err != nil {
		log.Error().Err(err).Msg("Encoding stats frame failed")
		return
	}

	for _, sub := range b.snapshotSubs() {
		sub.Deliver(model.EventArbStats, frame)
	}
	b.metrics.RecordFrame(model.EventArbStats)
}

// flush swaps out the pending batch and fans it out.
func (b *Broadcaster) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]model.PriceUpdate, 0, len(batch))
	b.mu.Unlock()

	b.metrics.ObserveBatch(len(batch))
	b.fanOutPrices(batch)
}

func (b *Broadcaster) fanOutPrices(batch []model.PriceUpdate) {
	subs := b.snapshotSubs()
	if len(subs) == 0 {
		return
	}

	full, err := frameFor(model.EventPriceUpdate, batch)
	if err != nil {
		log.Error().Err(err).Msg("Encoding price batch frame failed")
		return
	}

	for _, sub := range subs {
		filter := sub.Filter()
		if len(filter.Symbols) == 0 && len(filter.Venues) == 0 {
			sub.Deliver(model.EventPriceUpdate, full)
			continue
		}

		matched := make([]model.PriceUpdate, 0, len(batch))
		for _, u := range batch {
			if filter.MatchesUpdate(u) {
				matched = append(matched, u)
			}
		}
		if len(matched) == 0 {
			continue
		}
		frame, err := frameFor(model.EventPriceUpdate, matched)
		if err != nil {
			continue
		}
		sub.Deliver(model.EventPriceUpdate, frame)
	}
	b.metrics.RecordFrame(model.EventPriceUpdate)
}

func (b *Broadcaster) snapshotSubs() []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	return subs
}

func frameFor(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Envelope{Event: event, Data: raw})
}
