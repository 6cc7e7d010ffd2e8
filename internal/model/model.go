package model

import "time"

// Quote is a single top-of-book observation from one venue.
// Bid and Ask are positive by the time an adapter emits the quote; a crossed
// book (bid above ask) is carried through and handled by detector sanity
// rules rather than rejected at ingest.
type Quote struct {
	Venue      string    `json:"venue"`
	Symbol     string    `json:"symbol"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	ObservedAt time.Time `json:"observed_at"`

	// Synthetic marks quotes derived from a venue-reported mid price
	// rather than a real two-sided book.
	Synthetic bool `json:"synthetic,omitempty"`
}

// SpreadPct returns the venue-local spread (ask-bid)/bid*100.
func (q Quote) SpreadPct() float64 {
	if q.Bid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / q.Bid * 100
}

// VenuePrice names one side of an aggregated view.
type VenuePrice struct {
	Venue string  `json:"venue"`
	Price float64 `json:"price"`
}

// AggregatedView is the per-symbol cross-venue view at ComputedAt. Every
// quote in Quotes was fresh at computation time. An empty Quotes slice
// leaves both sides zero-valued.
type AggregatedView struct {
	Symbol     string     `json:"symbol"`
	Quotes     []Quote    `json:"quotes"`
	BestBid    VenuePrice `json:"best_bid"`
	BestAsk    VenuePrice `json:"best_ask"`
	ComputedAt time.Time  `json:"computed_at"`
}

// QuoteFor returns the quote contributed by venue, if present in the view.
func (v AggregatedView) QuoteFor(venue string) (Quote, bool) {
	for _, q := range v.Quotes {
		if q.Venue == venue {
			return q, true
		}
	}
	return Quote{}, false
}

// Opportunity is a detected cross-venue arbitrage condition: buy at
// BuyVenue's ask, sell at SellVenue's bid.
type Opportunity struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	BuyVenue        string    `json:"buy_venue"`
	SellVenue       string    `json:"sell_venue"`
	BuyPrice        float64   `json:"buy_price"`
	SellPrice       float64   `json:"sell_price"`
	SpreadPct       float64   `json:"spread_pct"`
	PotentialProfit float64   `json:"potential_profit"`
	DetectedAt      time.Time `json:"detected_at"`
}

// Key identifies the cooldown/history bucket for an opportunity.
func (o Opportunity) Key() OpportunityKey {
	return OpportunityKey{Symbol: o.Symbol, BuyVenue: o.BuyVenue, SellVenue: o.SellVenue}
}

// OpportunityKey is the (symbol, buy venue, sell venue) triple used for
// cooldown and deduplication.
type OpportunityKey struct {
	Symbol    string
	BuyVenue  string
	SellVenue string
}

// VenueState is the adapter connection state.
type VenueState string

const (
	StateConnecting VenueState = "connecting"
	StateOpen       VenueState = "open"
	StateDegraded   VenueState = "degraded"
	StateClosed     VenueState = "closed"
)

// StateEvent records one connection-state transition for a venue.
type StateEvent struct {
	Venue string     `json:"venue"`
	State VenueState `json:"state"`
	Err   string     `json:"error,omitempty"`
	At    time.Time  `json:"at"`
}
