package http

import (
	"time"

	"github.com/perpscan/perpscan/internal/model"
)

// Response contracts for the REST surface.

type PricesResponse struct {
	Source    string                 `json:"source"`
	Prices    []model.AggregatedView `json:"prices"`
	Generated time.Time              `json:"generated"`
}

type OpportunitiesResponse struct {
	Opportunities []model.Opportunity `json:"opportunities"`
	Count         int                 `json:"count"`
	Generated     time.Time           `json:"generated"`
}

type HealthResponse struct {
	Status        string                      `json:"status"`
	UptimeSeconds float64                     `json:"uptime_seconds"`
	Venues        map[string]model.VenueState `json:"venues"`
	Clients       int                         `json:"clients"`
	Generated     time.Time                   `json:"generated"`
}

type StatsResponse struct {
	Arbitrage model.ArbStats              `json:"arbitrage"`
	Clients   int                         `json:"clients"`
	Venues    map[string]model.VenueState `json:"venues"`
	Counters  map[string]float64          `json:"counters"`
	Generated time.Time                   `json:"generated"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Path  string `json:"path,omitempty"`
}
