// Package app assembles the scanner: venue pool, aggregator, detector,
// broadcaster, gateway, and the optional persistence sidecars. It owns the
// pump goroutines that move data between stages and the shutdown ordering.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/aggregator"
	"github.com/perpscan/perpscan/internal/broadcast"
	"github.com/perpscan/perpscan/internal/config"
	"github.com/perpscan/perpscan/internal/detector"
	httpserver "github.com/perpscan/perpscan/internal/interfaces/http"
	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/pool"
	"github.com/perpscan/perpscan/internal/publish"
	"github.com/perpscan/perpscan/internal/store"
	"github.com/perpscan/perpscan/internal/store/postgres"
	"github.com/perpscan/perpscan/internal/symbols"
)

const (
	snapshotInterval = time.Second
	shutdownTimeout  = 5 * time.Second
	pgWriterBuffer   = 1024
)

// App holds every component of a running scanner instance.
type App struct {
	cfg         *config.Config
	metrics     *metrics.MetricsRegistry
	normalizer  *symbols.Normalizer
	pool        *pool.Pool
	aggregator  *aggregator.Aggregator
	detector    *detector.Detector
	broadcaster *broadcast.Broadcaster
	hub         *broadcast.Hub
	snapshots   store.Store
	server      *httpserver.Server

	bridge   *publish.Bridge
	pgSink   *postgres.Sink
	pgWriter *postgres.Writer
}

// New wires all components from cfg. Nothing starts running until Run.
func New(cfg *config.Config) (*App, error) {
	return newApp(cfg, metrics.NewMetricsRegistry())
}

func newApp(cfg *config.Config, m *metrics.MetricsRegistry) (*App, error) {
	var aliases map[string]string
	if cfg.AliasPath != "" {
		var err error
		aliases, err = symbols.LoadAliasFile(cfg.AliasPath)
		if err != nil {
			return nil, fmt.Errorf("load symbol aliases: %w", err)
		}
	}
	norm := symbols.New(aliases)

	p, err := pool.New(cfg, norm, m)
	if err != nil {
		return nil, fmt.Errorf("build venue pool: %w", err)
	}

	agg := aggregator.New(cfg.MaxPriceAge, cfg.PriceSweepInterval, m)
	det := detector.New(detector.Options{
		MinSpreadPct:   cfg.MinSpreadPct,
		MaxSpreadPct:   cfg.MaxRealisticSpreadPct,
		MaxQuoteAge:    cfg.MaxPriceAge,
		Cooldown:       cfg.ArbitrageCooldown,
		HistoryTTL:     cfg.ArbitrageHistoryTTL,
		AllowSynthetic: cfg.AllowSynthetic,
	}, m)

	bc := broadcast.New(cfg.BroadcastInterval, cfg.BroadcastMaxBatch, m)
	hub := broadcast.NewHub(bc, det, norm, m)
	snapshots := store.NewAuto(cfg.RedisAddr, cfg.SnapshotMaxAge, m)

	a := &App{
		cfg:         cfg,
		metrics:     m,
		normalizer:  norm,
		pool:        p,
		aggregator:  agg,
		detector:    det,
		broadcaster: bc,
		hub:         hub,
		snapshots:   snapshots,
	}

	if cfg.RedisPublish {
		if cfg.RedisAddr == "" {
			log.Warn().Msg("REDIS_PUBLISH set without REDIS_ADDR, publisher disabled")
		} else {
			a.bridge = publish.NewBridge(cfg.RedisAddr, m)
			bc.Attach(a.bridge)
		}
	}

	if cfg.PGEnabled {
		sink, err := postgres.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres sink: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = sink.EnsureSchema(ctx)
		cancel()
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		a.pgSink = sink
		a.pgWriter = postgres.NewWriter(sink, pgWriterBuffer, m)
	}

	a.server = httpserver.NewServer(cfg, httpserver.Deps{
		Hub:           hub,
		Prices:        agg,
		Snapshots:     snapshots,
		Opportunities: det,
		Venues:        p,
		Clients:       bc,
		Metrics:       m,
	})
	return a, nil
}

// Run blocks until ctx is cancelled or the HTTP server fails, then shuts
// everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	spawn(a.hub.Run)
	spawn(a.broadcaster.Run)
	spawn(a.aggregator.RunSweeper)
	spawn(a.detector.RunSweeper)
	spawn(a.quotePump)
	spawn(a.statePump)
	spawn(a.snapshotPump)
	spawn(a.statsPump)
	if a.bridge != nil {
		spawn(a.bridge.Run)
	}
	if a.pgWriter != nil {
		spawn(a.pgWriter.Run)
	}

	if err := a.pool.Start(ctx); err != nil {
		cancel()
		wg.Wait()
		a.closeSidecars()
		return fmt.Errorf("start venue pool: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()

	log.Info().
		Int("port", a.cfg.ListenPort).
		Strs("venues", a.cfg.EnabledVenues()).
		Msg("PerpScan running")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	a.shutdown(cancel, &wg)
	return runErr
}

// shutdown stops intake first, then lets the pumps drain, then releases
// external connections.
func (a *App) shutdown(cancel context.CancelFunc, wg *sync.WaitGroup) {
	log.Info().Msg("Shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := a.pool.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Venue pool stop incomplete")
	}

	cancel()
	wg.Wait()
	a.closeSidecars()
	log.Info().Msg("Shutdown complete")
}

func (a *App) closeSidecars() {
	if err := a.snapshots.Close(); err != nil {
		log.Warn().Err(err).Msg("Snapshot store close failed")
	}
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			log.Warn().Err(err).Msg("Redis publisher close failed")
		}
	}
	if a.pgSink != nil {
		if err := a.pgSink.Close(); err != nil {
			log.Warn().Err(err).Msg("Postgres sink close failed")
		}
	}
}

// quotePump moves venue quotes through aggregation and detection and feeds
// the broadcaster.
func (a *App) quotePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-a.pool.Quotes():
			view := a.aggregator.Ingest(q)
			a.broadcaster.PublishQuote(q)
			if opp, ok := a.detector.Evaluate(view); ok {
				a.broadcaster.PublishOpportunity(opp)
				if a.pgWriter != nil {
					a.pgWriter.Enqueue(opp)
				}
			}
		}
	}
}

func (a *App) statePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.pool.States():
			a.broadcaster.PublishState(ev)
		}
	}
}

// snapshotPump persists the aggregated view once a second so REST reads and
// process restarts have something to serve.
func (a *App) snapshotPump(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			views := a.aggregator.Snapshot()
			if len(views) == 0 {
				continue
			}
			saveCtx, cancel := context.WithTimeout(ctx, snapshotInterval)
			if err := a.snapshots.SaveSnapshot(saveCtx, views); err != nil {
				log.Debug().Err(err).Msg("Snapshot save failed")
			}
			cancel()
		}
	}
}

// statsPump pushes detector counters to subscribers and logs a heartbeat.
func (a *App) statsPump(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := a.detector.Stats()
			a.broadcaster.PublishStats(stats)
			log.Info().
				Int("clients", a.broadcaster.SubscriberCount()).
				Int64("opportunities", stats.TotalDetected).
				Int("active", stats.ActiveCount).
				Int("symbols", len(a.aggregator.Snapshot())).
				Msg("Stats heartbeat")
		}
	}
}

// Health exposes venue states for diagnostics.
func (a *App) Health() map[string]model.VenueState { return a.pool.Health() }
