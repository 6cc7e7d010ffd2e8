package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transport kinds a venue adapter can use.
const (
	TransportStreaming = "streaming"
	TransportPolling   = "polling"
)

// VenueConfig is the per-venue configuration after defaults, file overrides
// and env overrides are applied. Symbols stay in the venue's native ticker
// form; the normalizer canonicalizes them downstream.
type VenueConfig struct {
	Enabled   bool
	Transport string
	WSURL     string
	RestURL   string
	Symbols   []string
}

// defaultVenues is the compiled-in venue set. Deployments narrow or extend
// it through venues.yaml and VENUE_* env keys.
func defaultVenues() map[string]VenueConfig {
	return map[string]VenueConfig{
		"hyperliquid": {
			Enabled:   true,
			Transport: TransportStreaming,
			WSURL:     "wss://api.hyperliquid.xyz/ws",
			RestURL:   "https://api.hyperliquid.xyz/info",
			Symbols:   []string{"BTC", "ETH", "SOL", "AVAX", "DOGE"},
		},
		"paradex": {
			Enabled:   true,
			Transport: TransportStreaming,
			WSURL:     "wss://ws.api.prod.paradex.trade/v1",
			Symbols:   []string{"BTC-USD-PERP", "ETH-USD-PERP", "SOL-USD-PERP"},
		},
		"gateio": {
			Enabled:   true,
			Transport: TransportStreaming,
			WSURL:     "wss://fx-ws.gateio.ws/v4/ws/usdt",
			Symbols:   []string{"BTC_USDT", "ETH_USDT", "SOL_USDT"},
		},
		"binance": {
			Enabled:   true,
			Transport: TransportPolling,
			RestURL:   "https://fapi.binance.com",
			Symbols:   []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "AVAXUSDT"},
		},
		"bybit": {
			Enabled:   true,
			Transport: TransportPolling,
			RestURL:   "https://api.bybit.com",
			Symbols:   []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		},
	}
}

// venuesFile is the on-disk override shape. Enabled is a pointer so an
// absent key leaves the default alone while an explicit false disables.
type venuesFile struct {
	Venues map[string]venueOverride `yaml:"venues"`
}

type venueOverride struct {
	Enabled *bool    `yaml:"enabled"`
	WSURL   string   `yaml:"ws_url"`
	RestURL string   `yaml:"rest_url"`
	Symbols []string `yaml:"symbols"`
}

func loadVenues(r *envReader) (map[string]VenueConfig, error) {
	venues := defaultVenues()

	if path := r.str("VENUES_CONFIG", ""); path != "" {
		if err := applyVenuesFile(venues, path); err != nil {
			return nil, err
		}
	}

	for name, vc := range venues {
		key := "VENUE_" + strings.ToUpper(name)
		vc.Enabled = r.boolean(key+"_ENABLED", vc.Enabled)
		vc.WSURL = r.str(key+"_WS_URL", vc.WSURL)
		vc.RestURL = r.str(key+"_REST_URL", vc.RestURL)
		venues[name] = vc
	}
	return venues, nil
}

func applyVenuesFile(venues map[string]VenueConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read venues config: %w", err)
	}

	var file venuesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse venues YAML: %w", err)
	}

	for name, ov := range file.Venues {
		vc, ok := venues[name]
		if !ok {
			return fmt.Errorf("venues config names unknown venue %q", name)
		}
		if ov.Enabled != nil {
			vc.Enabled = *ov.Enabled
		}
		if ov.WSURL != "" {
			vc.WSURL = ov.WSURL
		}
		if ov.RestURL != "" {
			vc.RestURL = ov.RestURL
		}
		if len(ov.Symbols) > 0 {
			vc.Symbols = ov.Symbols
		}
		venues[name] = vc
	}
	return nil
}
