package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the full runtime configuration, read once at process start.
// All durations are derived from *_MS environment keys.
type Config struct {
	ListenPort  int
	CORSOrigins []string

	MaxPriceAge           time.Duration
	ArbitrageCooldown     time.Duration
	ArbitrageHistoryTTL   time.Duration
	PriceSweepInterval    time.Duration
	BroadcastInterval     time.Duration
	BroadcastMaxBatch     int
	WatchdogInterval      time.Duration
	MaxReconnectAttempts  int
	SnapshotMaxAge        time.Duration
	MinSpreadPct          float64
	MaxRealisticSpreadPct float64
	AllowSynthetic        bool
	StatsInterval         time.Duration
	PollInterval          time.Duration

	RedisAddr    string
	RedisPublish bool
	PGDSN        string
	PGEnabled    bool

	AliasPath string
	Venues    map[string]VenueConfig
}

// Load assembles configuration from the environment plus optional YAML
// overrides. Any malformed value makes Load fail; the process must exit
// before serving clients.
func Load() (*Config, error) {
	r := &envReader{}

	cfg := &Config{
		ListenPort:            r.integer("LISTEN_PORT", 3001),
		CORSOrigins:           splitList(r.str("CLIENT_CORS_ORIGIN", "")),
		MaxPriceAge:           r.durationMS("MAX_PRICE_AGE_MS", 2000),
		ArbitrageCooldown:     r.durationMS("ARBITRAGE_COOLDOWN_MS", 1000),
		ArbitrageHistoryTTL:   r.durationMS("ARBITRAGE_MAX_HISTORY_AGE_MS", 60000),
		PriceSweepInterval:    r.durationMS("CLEANUP_INTERVAL_PRICES_MS", 1000),
		BroadcastInterval:     r.durationMS("BROADCAST_INTERVAL_MS", 100),
		BroadcastMaxBatch:     r.integer("BROADCAST_MAX_BATCH", 10000),
		WatchdogInterval:      r.durationMS("WATCHDOG_INTERVAL_MS", 15000),
		MaxReconnectAttempts:  r.integer("MAX_RECONNECT_ATTEMPTS", 10),
		SnapshotMaxAge:        r.durationMS("DB_SNAPSHOT_MAX_AGE_MS", 10000),
		MinSpreadPct:          r.float("MIN_SPREAD_PCT", 0.1),
		MaxRealisticSpreadPct: r.float("MAX_REALISTIC_SPREAD_PCT", 5),
		AllowSynthetic:        r.boolean("ARBITRAGE_ALLOW_SYNTHETIC", false),
		StatsInterval:         r.durationMS("STATS_INTERVAL_MS", 10000),
		PollInterval:          r.durationMS("POLL_INTERVAL_MS", 1000),
		RedisAddr:             r.str("REDIS_ADDR", ""),
		RedisPublish:          r.boolean("REDIS_PUBLISH", false),
		PGDSN:                 r.str("PG_DSN", ""),
		PGEnabled:             r.boolean("PG_ENABLED", false),
		AliasPath:             r.str("SYMBOL_ALIASES", ""),
	}

	venues, err := loadVenues(r)
	if err != nil {
		return nil, err
	}
	cfg.Venues = venues

	if err := r.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT %d out of range", c.ListenPort)
	}
	if c.MinSpreadPct < 0 {
		return fmt.Errorf("MIN_SPREAD_PCT must not be negative")
	}
	if c.MaxRealisticSpreadPct <= c.MinSpreadPct {
		return fmt.Errorf("MAX_REALISTIC_SPREAD_PCT (%.2f) must exceed MIN_SPREAD_PCT (%.2f)",
			c.MaxRealisticSpreadPct, c.MinSpreadPct)
	}
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be at least 1")
	}
	if c.BroadcastMaxBatch < 1 {
		return fmt.Errorf("BROADCAST_MAX_BATCH must be at least 1")
	}
	if c.PGEnabled && c.PGDSN == "" {
		return fmt.Errorf("PG_DSN is required when PG_ENABLED is set")
	}
	enabled := 0
	for _, v := range c.Venues {
		if v.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no venues enabled")
	}
	return nil
}

// ApplyVenuesFile layers a venues YAML over the already-resolved venue set.
// Used for the --config flag, which wins over both defaults and env.
func (c *Config) ApplyVenuesFile(path string) error {
	return applyVenuesFile(c.Venues, path)
}

// SelectVenues enables exactly the named venues and disables the rest.
func (c *Config) SelectVenues(names []string) error {
	selected := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := c.Venues[name]; !ok {
			return fmt.Errorf("unknown venue %q", name)
		}
		selected[name] = true
	}
	if len(selected) == 0 {
		return fmt.Errorf("no venues selected")
	}
	for name, vc := range c.Venues {
		vc.Enabled = selected[name]
		c.Venues[name] = vc
	}
	return nil
}

// EnabledVenues returns the enabled venue names, sorted for stable logs.
func (c *Config) EnabledVenues() []string {
	names := make([]string, 0, len(c.Venues))
	for name, v := range c.Venues {
		if v.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
