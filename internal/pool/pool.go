package pool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/config"
	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/symbols"
	"github.com/perpscan/perpscan/internal/venues"
	"github.com/perpscan/perpscan/internal/venues/binance"
	"github.com/perpscan/perpscan/internal/venues/bybit"
	"github.com/perpscan/perpscan/internal/venues/gateio"
	"github.com/perpscan/perpscan/internal/venues/hyperliquid"
	"github.com/perpscan/perpscan/internal/venues/paradex"
)

const (
	quoteBuffer = 4096
	stateBuffer = 256

	// stopTimeout bounds how long each adapter gets to release its
	// transport before being abandoned.
	stopTimeout = 5 * time.Second

	// restRPS paces per-symbol polling so requests to one host are
	// staggered roughly 50 ms apart.
	restRPS   = 20
	restBurst = 1
)

// Pool builds and supervises one adapter per enabled venue, merging their
// quotes and state transitions onto shared streams. The pool is the sink
// handed to every adapter; sends never block, overflow drops the oldest
// buffered element.
type Pool struct {
	adapters []venues.Adapter
	metrics  *metrics.MetricsRegistry

	quotes chan model.Quote
	states chan model.StateEvent

	mu     sync.RWMutex
	health map[string]model.VenueState
}

// New constructs the pool from the enabled-venue configuration.
func New(cfg *config.Config, norm *symbols.Normalizer, m *metrics.MetricsRegistry) (*Pool, error) {
	p := &Pool{
		metrics: m,
		quotes:  make(chan model.Quote, quoteBuffer),
		states:  make(chan model.StateEvent, stateBuffer),
		health:  make(map[string]model.VenueState),
	}

	client := &http.Client{Timeout: 10 * time.Second}
	limiter := venues.NewHostLimiter(restRPS, restBurst)

	for _, name := range cfg.EnabledVenues() {
		vc := cfg.Venues[name]
		settings := venues.Settings{
			Venue:                name,
			WSURL:                vc.WSURL,
			RestURL:              vc.RestURL,
			Symbols:              vc.Symbols,
			PollInterval:         cfg.PollInterval,
			WatchdogInterval:     cfg.WatchdogInterval,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			Normalizer:           norm,
			Sink:                 p,
			Metrics:              m,
		}
		adapter, err := buildAdapter(name, settings, client, limiter)
		if err != nil {
			return nil, err
		}
		p.adapters = append(p.adapters, adapter)
		p.health[name] = model.StateClosed
	}
	return p, nil
}

func buildAdapter(name string, s venues.Settings, client *http.Client, limiter *venues.HostLimiter) (venues.Adapter, error) {
	switch name {
	case hyperliquid.Name:
		return hyperliquid.New(s), nil
	case paradex.Name:
		return paradex.New(s), nil
	case gateio.Name:
		return gateio.New(s), nil
	case binance.Name:
		return binance.New(s, client, limiter), nil
	case bybit.Name:
		return bybit.New(s, client, limiter), nil
	default:
		return nil, fmt.Errorf("no adapter for venue %q", name)
	}
}

// Start launches every adapter.
func (p *Pool) Start(ctx context.Context) error {
	for _, a := range p.adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", a.Name(), err)
		}
		log.Info().Str("venue", a.Name()).Msg("Venue adapter started")
	}
	return nil
}

// Stop signals every adapter in parallel and waits up to stopTimeout for
// each; laggards are abandoned.
func (p *Pool) Stop(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, a := range p.adapters {
		wg.Add(1)
		go func(a venues.Adapter) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
			defer cancel()
			if err := a.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Str("venue", a.Name()).Msg("Venue adapter abandoned at shutdown")
			}
		}(a)
	}
	wg.Wait()
	return nil
}

// Quotes is the merged quote stream across all adapters.
func (p *Pool) Quotes() <-chan model.Quote { return p.quotes }

// States is the merged connection-state stream across all adapters.
func (p *Pool) States() <-chan model.StateEvent { return p.states }

// Health reports the last observed state per venue.
func (p *Pool) Health() map[string]model.VenueState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]model.VenueState, len(p.health))
	for venue, state := range p.health {
		out[venue] = state
	}
	return out
}

// Quote implements venues.Sink.
func (p *Pool) Quote(q model.Quote) {
	select {
	case p.quotes <- q:
		return
	default:
	}

	// Full: evict the oldest buffered quote to make room for the newest.
	select {
	case <-p.quotes:
		p.metrics.RecordDrop("pool_quotes")
	default:
	}
	select {
	case p.quotes <- q:
	default:
		p.metrics.RecordDrop("pool_quotes")
	}
}

// State implements venues.Sink.
func (p *Pool) State(ev model.StateEvent) {
	p.mu.Lock()
	p.health[ev.Venue] = ev.State
	p.mu.Unlock()

	p.metrics.RecordStateEvent(ev)

	select {
	case p.states <- ev:
		return
	default:
	}
	select {
	case <-p.states:
		p.metrics.RecordDrop("pool_states")
	default:
	}
	select {
	case p.states <- ev:
	default:
		p.metrics.RecordDrop("pool_states")
	}
}
