package model

import "encoding/json"

// Event names on the client wire. Server-to-client events carry the payloads
// defined below; client-to-server events carry string lists except
// config:update, which carries a partial detector config.
const (
	EventPriceUpdate       = "price:update"
	EventOpportunity       = "arbitrage:opportunity"
	EventArbStats          = "arbitrage:stats"
	EventVenueConnected    = "exchange:connected"
	EventVenueDisconnected = "exchange:disconnected"
	EventVenueError        = "exchange:error"

	EventSubscribeSymbols   = "subscribe:symbols"
	EventUnsubscribeSymbols = "unsubscribe:symbols"
	EventSubscribeExchanges = "subscribe:exchanges"
	EventConfigUpdate       = "config:update"
)

// Envelope frames every message on the client wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// PriceUpdate is the wire form of a quote. Spread is the venue-local
// (ask-bid)/bid*100 and Timestamp is epoch milliseconds.
type PriceUpdate struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Spread    float64 `json:"spread"`
	Timestamp int64   `json:"timestamp"`
}

// PriceUpdateFrom converts a quote to its wire form.
func PriceUpdateFrom(q Quote) PriceUpdate {
	return PriceUpdate{
		Exchange:  q.Venue,
		Symbol:    q.Symbol,
		Bid:       q.Bid,
		Ask:       q.Ask,
		Spread:    q.SpreadPct(),
		Timestamp: q.ObservedAt.UnixMilli(),
	}
}

// OpportunityUpdate is the wire form of an opportunity, with epoch-ms
// detection time.
type OpportunityUpdate struct {
	ID              string  `json:"id"`
	Symbol          string  `json:"symbol"`
	BuyExchange     string  `json:"buy_exchange"`
	SellExchange    string  `json:"sell_exchange"`
	BuyPrice        float64 `json:"buy_price"`
	SellPrice       float64 `json:"sell_price"`
	SpreadPct       float64 `json:"spread_pct"`
	PotentialProfit float64 `json:"potential_profit"`
	DetectedAt      int64   `json:"detected_at"`
}

// OpportunityUpdateFrom converts an opportunity to its wire form.
func OpportunityUpdateFrom(o Opportunity) OpportunityUpdate {
	return OpportunityUpdate{
		ID:              o.ID,
		Symbol:          o.Symbol,
		BuyExchange:     o.BuyVenue,
		SellExchange:    o.SellVenue,
		BuyPrice:        o.BuyPrice,
		SellPrice:       o.SellPrice,
		SpreadPct:       o.SpreadPct,
		PotentialProfit: o.PotentialProfit,
		DetectedAt:      o.DetectedAt.UnixMilli(),
	}
}

// VenueEvent is the wire form of a connection-state transition.
type VenueEvent struct {
	Exchange string `json:"exchange"`
	Error    string `json:"error,omitempty"`
}

// ArbStats is the aggregate counter payload for arbitrage:stats.
type ArbStats struct {
	TotalDetected    int64   `json:"total_detected"`
	SuppressedStale  int64   `json:"suppressed_stale"`
	SuppressedSanity int64   `json:"suppressed_sanity"`
	SuppressedCool   int64   `json:"suppressed_cooldown"`
	ActiveCount      int     `json:"active_count"`
	MinSpreadPct     float64 `json:"min_spread_pct"`
}

// ConfigUpdate is the partial detector config a client may push.
type ConfigUpdate struct {
	MinSpread *float64 `json:"minSpread,omitempty"`
}
