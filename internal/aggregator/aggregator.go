package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

// Aggregator holds the freshest quote per (symbol, venue) pair and derives
// the cross-venue best bid/ask on demand. Ingest, aggregation, and the
// background sweep all share one map under the lock.
type Aggregator struct {
	maxAge   time.Duration
	interval time.Duration
	metrics  *metrics.MetricsRegistry
	now      func() time.Time

	mu       sync.RWMutex
	bySymbol map[string]map[string]model.Quote
}

// New builds an aggregator evicting quotes older than maxAge, swept every
// sweepInterval.
func New(maxAge, sweepInterval time.Duration, m *metrics.MetricsRegistry) *Aggregator {
	return &Aggregator{
		maxAge:   maxAge,
		interval: sweepInterval,
		metrics:  m,
		now:      time.Now,
		bySymbol: make(map[string]map[string]model.Quote),
	}
}

// Ingest records q, overwriting any previous quote from the same venue,
// and returns the refreshed view for its symbol.
func (a *Aggregator) Ingest(q model.Quote) model.AggregatedView {
	a.mu.Lock()
	venues := a.bySymbol[q.Symbol]
	if venues == nil {
		venues = make(map[string]model.Quote)
		a.bySymbol[q.Symbol] = venues
	}
	venues[q.Venue] = q
	a.mu.Unlock()

	return a.Aggregate(q.Symbol)
}

// Aggregate computes the fresh view for symbol. Best bid is the highest
// bid across fresh quotes, best ask the lowest ask; ties go to the earliest
// observation, then the lexicographically first venue. A symbol with no
// fresh quotes yields zero-valued sides.
func (a *Aggregator) Aggregate(symbol string) model.AggregatedView {
	now := a.now()
	view := model.AggregatedView{Symbol: symbol, ComputedAt: now}

	a.mu.RLock()
	for _, q := range a.bySymbol[symbol] {
		if now.Sub(q.ObservedAt) > a.maxAge {
			continue
		}
		view.Quotes = append(view.Quotes, q)
	}
	a.mu.RUnlock()

	sort.Slice(view.Quotes, func(i, j int) bool {
		return view.Quotes[i].Venue < view.Quotes[j].Venue
	})

	var bestBid, bestAsk *model.Quote
	for i := range view.Quotes {
		q := &view.Quotes[i]
		if bestBid == nil || q.Bid > bestBid.Bid || (q.Bid == bestBid.Bid && earlier(q, bestBid)) {
			bestBid = q
		}
		if bestAsk == nil || q.Ask < bestAsk.Ask || (q.Ask == bestAsk.Ask && earlier(q, bestAsk)) {
			bestAsk = q
		}
	}
	if bestBid != nil {
		view.BestBid = model.VenuePrice{Venue: bestBid.Venue, Price: bestBid.Bid}
		view.BestAsk = model.VenuePrice{Venue: bestAsk.Venue, Price: bestAsk.Ask}
	}
	return view
}

func earlier(a, b *model.Quote) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.Before(b.ObservedAt)
	}
	return a.Venue < b.Venue
}

// Snapshot aggregates every known symbol, sorted for stable output.
func (a *Aggregator) Snapshot() []model.AggregatedView {
	a.mu.RLock()
	names := make([]string, 0, len(a.bySymbol))
	for symbol := range a.bySymbol {
		names = append(names, symbol)
	}
	a.mu.RUnlock()
	sort.Strings(names)

	views := make([]model.AggregatedView, 0, len(names))
	for _, symbol := range names {
		views = append(views, a.Aggregate(symbol))
	}
	return views
}

// Clear drops every tracked quote.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.bySymbol = make(map[string]map[string]model.Quote)
	a.mu.Unlock()
}

// RunSweeper evicts stale quotes on a fixed cadence until ctx is done.
func (a *Aggregator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := a.sweep(); removed > 0 {
				log.Debug().Int("removed", removed).Msg("Swept stale quotes")
			}
		}
	}
}

// sweep removes quotes past maxAge and drops symbols with no venues left.
func (a *Aggregator) sweep() int {
	now := a.now()
	removed := 0

	a.mu.Lock()
	for symbol, venues := range a.bySymbol {
		for venue, q := range venues {
			if now.Sub(q.ObservedAt) > a.maxAge {
				delete(venues, venue)
				removed++
			}
		}
		if len(venues) == 0 {
			delete(a.bySymbol, symbol)
		}
	}
	a.mu.Unlock()

	for i := 0; i < removed; i++ {
		a.metrics.RecordDrop("stale_sweep")
	}
	return removed
}
