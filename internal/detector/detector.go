package detector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

const (
	// historySweepInterval is the cadence for expiring old opportunities.
	historySweepInterval = 30 * time.Second

	// warnWindow throttles skip warnings per (symbol, rule).
	warnWindow = time.Minute
)

// Options carry the detector thresholds at construction.
type Options struct {
	MinSpreadPct   float64
	MaxSpreadPct   float64
	MaxQuoteAge    time.Duration
	Cooldown       time.Duration
	HistoryTTL     time.Duration
	AllowSynthetic bool
}

// Detector turns aggregated views into arbitrage opportunities. A candidate
// must cross between two distinct venues, have both sides fresh, clear the
// spread bounds, and be outside the per-key cooldown.
type Detector struct {
	metrics *metrics.MetricsRegistry
	now     func() time.Time

	mu             sync.Mutex
	minSpread      float64
	maxSpread      float64
	maxQuoteAge    time.Duration
	cooldown       time.Duration
	historyTTL     time.Duration
	allowSynthetic bool

	lastEmit map[model.OpportunityKey]time.Time
	history  map[model.OpportunityKey]model.Opportunity
	lastWarn map[string]time.Time

	totalDetected      int64
	suppressedStale    int64
	suppressedSanity   int64
	suppressedCooldown int64
}

// New builds a detector with the given thresholds.
func New(opts Options, m *metrics.MetricsRegistry) *Detector {
	return &Detector{
		metrics:        m,
		now:            time.Now,
		minSpread:      opts.MinSpreadPct,
		maxSpread:      opts.MaxSpreadPct,
		maxQuoteAge:    opts.MaxQuoteAge,
		cooldown:       opts.Cooldown,
		historyTTL:     opts.HistoryTTL,
		allowSynthetic: opts.AllowSynthetic,
		lastEmit:       make(map[model.OpportunityKey]time.Time),
		history:        make(map[model.OpportunityKey]model.Opportunity),
		lastWarn:       make(map[string]time.Time),
	}
}

// Evaluate inspects one aggregated view and returns the opportunity it
// yields, if any.
func (d *Detector) Evaluate(view model.AggregatedView) (model.Opportunity, bool) {
	if len(view.Quotes) < 2 {
		return model.Opportunity{}, false
	}
	if view.BestBid.Price <= view.BestAsk.Price {
		return model.Opportunity{}, false
	}
	if view.BestBid.Venue == view.BestAsk.Venue {
		return model.Opportunity{}, false
	}

	sellQuote, okSell := view.QuoteFor(view.BestBid.Venue)
	buyQuote, okBuy := view.QuoteFor(view.BestAsk.Venue)
	if !okSell || !okBuy {
		return model.Opportunity{}, false
	}

	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.allowSynthetic && (sellQuote.Synthetic || buyQuote.Synthetic) {
		d.metrics.RecordSuppressed("synthetic")
		return model.Opportunity{}, false
	}

	if now.Sub(sellQuote.ObservedAt) > d.maxQuoteAge || now.Sub(buyQuote.ObservedAt) > d.maxQuoteAge {
		d.suppressedStale++
		d.metrics.RecordSuppressed("stale")
		if d.shouldWarnLocked(view.Symbol, "stale", now) {
			log.Warn().
				Str("symbol", view.Symbol).
				Str("sell_venue", sellQuote.Venue).
				Str("buy_venue", buyQuote.Venue).
				Msg("Skipping candidate with a stale quote side")
		}
		return model.Opportunity{}, false
	}

	buyPrice := view.BestAsk.Price
	sellPrice := view.BestBid.Price
	spreadPct := (sellPrice - buyPrice) / buyPrice * 100

	if spreadPct < d.minSpread {
		return model.Opportunity{}, false
	}
	if spreadPct > d.maxSpread {
		d.suppressedSanity++
		d.metrics.RecordSuppressed("sanity")
		if d.shouldWarnLocked(view.Symbol, "sanity", now) {
			log.Warn().
				Str("symbol", view.Symbol).
				Float64("spread_pct", spreadPct).
				Float64("max_spread_pct", d.maxSpread).
				Msg("Spread beyond realistic bound, suspecting a bad quote")
		}
		return model.Opportunity{}, false
	}

	key := model.OpportunityKey{
		Symbol:    view.Symbol,
		BuyVenue:  view.BestAsk.Venue,
		SellVenue: view.BestBid.Venue,
	}
	if last, seen := d.lastEmit[key]; seen && now.Sub(last) < d.cooldown {
		d.suppressedCooldown++
		d.metrics.RecordSuppressed("cooldown")
		return model.Opportunity{}, false
	}

	opp := model.Opportunity{
		ID:              uuid.NewString(),
		Symbol:          view.Symbol,
		BuyVenue:        key.BuyVenue,
		SellVenue:       key.SellVenue,
		BuyPrice:        buyPrice,
		SellPrice:       sellPrice,
		SpreadPct:       spreadPct,
		PotentialProfit: sellPrice - buyPrice,
		DetectedAt:      now,
	}
	d.lastEmit[key] = now
	d.history[key] = opp
	d.totalDetected++
	d.metrics.RecordOpportunity(view.Symbol)

	log.Info().
		Str("symbol", opp.Symbol).
		Str("buy_venue", opp.BuyVenue).
		Str("sell_venue", opp.SellVenue).
		Float64("spread_pct", opp.SpreadPct).
		Msg("Arbitrage opportunity detected")
	return opp, true
}

// UpdateConfig atomically applies a partial threshold update.
func (d *Detector) UpdateConfig(update model.ConfigUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if update.MinSpread != nil && *update.MinSpread >= 0 {
		d.minSpread = *update.MinSpread
		log.Info().Float64("min_spread_pct", d.minSpread).Msg("Detector thresholds updated")
	}
}

// Recent returns live opportunities, newest first, capped at limit when
// limit is positive.
func (d *Detector) Recent(limit int) []model.Opportunity {
	now := d.now()

	d.mu.Lock()
	opps := make([]model.Opportunity, 0, len(d.history))
	for _, o := range d.history {
		if now.Sub(o.DetectedAt) > d.historyTTL {
			continue
		}
		opps = append(opps, o)
	}
	d.mu.Unlock()

	sort.Slice(opps, func(i, j int) bool {
		return opps[i].DetectedAt.After(opps[j].DetectedAt)
	})
	if limit > 0 && len(opps) > limit {
		opps = opps[:limit]
	}
	return opps
}

// Stats reports the aggregate counters for the stats stream.
func (d *Detector) Stats() model.ArbStats {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	active := 0
	for _, o := range d.history {
		if now.Sub(o.DetectedAt) <= d.historyTTL {
			active++
		}
	}
	return model.ArbStats{
		TotalDetected:    d.totalDetected,
		SuppressedStale:  d.suppressedStale,
		SuppressedSanity: d.suppressedSanity,
		SuppressedCool:   d.suppressedCooldown,
		ActiveCount:      active,
		MinSpreadPct:     d.minSpread,
	}
}

// RunSweeper expires old history entries on a fixed cadence until ctx is
// done.
func (d *Detector) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(historySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := d.sweep(); removed > 0 {
				log.Debug().Int("removed", removed).Msg("Swept expired opportunities")
			}
		}
	}
}

func (d *Detector) sweep() int {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, o := range d.history {
		if now.Sub(o.DetectedAt) > d.historyTTL {
			delete(d.history, key)
			delete(d.lastEmit, key)
			removed++
		}
	}
	for key, at := range d.lastWarn {
		if now.Sub(at) > warnWindow {
			delete(d.lastWarn, key)
		}
	}
	return removed
}

// shouldWarnLocked rate-limits skip warnings to one per rule per symbol
// per window. Callers hold d.mu.
func (d *Detector) shouldWarnLocked(symbol, rule string, now time.Time) bool {
	k := symbol + "|" + rule
	if last, seen := d.lastWarn[k]; seen && now.Sub(last) < warnWindow {
		return false
	}
	d.lastWarn[k] = now
	return true
}
