package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/model"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	s.deps.Hub.ServeConn(conn)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	venues := s.deps.Venues.Health()

	status := "degraded"
	for _, state := range venues {
		if state == model.StateOpen {
			status = "ok"
			break
		}
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Venues:        venues,
		Clients:       s.deps.Clients.SubscriberCount(),
		Generated:     time.Now().UTC(),
	})
}

// handlePrices prefers the persisted snapshot so REST polling stays off the
// aggregation lock; a missing, stale, or empty snapshot falls back to the
// live view.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	source := "snapshot"
	views, err := s.deps.Snapshots.LoadSnapshot(r.Context())
	if err != nil || len(views) == 0 {
		source = "live"
		views = s.deps.Prices.Snapshot()
	}

	s.writeJSON(w, http.StatusOK, PricesResponse{
		Source:    source,
		Prices:    views,
		Generated: time.Now().UTC(),
	})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	opportunities := s.deps.Opportunities.Recent(limit)
	s.writeJSON(w, http.StatusOK, OpportunitiesResponse{
		Opportunities: opportunities,
		Count:         len(opportunities),
		Generated:     time.Now().UTC(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Arbitrage: s.deps.Opportunities.Stats(),
		Clients:   s.deps.Clients.SubscriberCount(),
		Venues:    s.deps.Venues.Health(),
		Counters:  s.deps.Metrics.Snapshot(),
		Generated: time.Now().UTC(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, http.StatusNotFound, ErrorResponse{
		Error: "not found",
		Path:  r.URL.Path,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}
