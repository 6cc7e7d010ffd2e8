// Package http serves the gateway surface: the /ws subscription endpoint,
// the read-only REST API, health, and Prometheus metrics.
package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/config"
	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

const (
	requestTimeout = 5 * time.Second
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	idleTimeout    = 60 * time.Second
)

// ConnHandler owns upgraded WebSocket connections.
type ConnHandler interface {
	ServeConn(conn *websocket.Conn)
}

// PriceSource serves the live aggregated view.
type PriceSource interface {
	Snapshot() []model.AggregatedView
}

// SnapshotLoader reads the persisted snapshot; it returns an error when the
// snapshot is missing or too old to serve.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) ([]model.AggregatedView, error)
}

// OpportunitySource exposes detection history and counters.
type OpportunitySource interface {
	Recent(limit int) []model.Opportunity
	Stats() model.ArbStats
}

// VenueHealth reports per-venue connection states.
type VenueHealth interface {
	Health() map[string]model.VenueState
}

// ClientCounter reports how many subscribers are attached.
type ClientCounter interface {
	SubscriberCount() int
}

// Deps collects everything the gateway serves from.
type Deps struct {
	Hub           ConnHandler
	Prices        PriceSource
	Snapshots     SnapshotLoader
	Opportunities OpportunitySource
	Venues        VenueHealth
	Clients       ClientCounter
	Metrics       *metrics.MetricsRegistry
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg       *config.Config
	deps      Deps
	router    *mux.Router
	server    *http.Server
	upgrader  websocket.Upgrader
	startedAt time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.accessLogMiddleware)
	s.router.Use(s.corsMiddleware)

	// Long-lived and self-describing endpoints stay outside the request
	// timeout applied to the JSON API.
	s.router.HandleFunc("/ws", s.handleWS).Methods("GET")
	s.router.Handle("/metrics", s.deps.Metrics.MetricsHandler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)
	api.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	api.HandleFunc("/api/prices", s.handlePrices).Methods("GET")
	api.HandleFunc("/api/opportunities", s.handleOpportunities).Methods("GET")
	api.HandleFunc("/api/stats", s.handleStats).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// originAllowed applies the CLIENT_CORS_ORIGIN allow-list. An empty list or
// a "*" entry admits every origin; requests without an Origin header (curl,
// same-host tools) always pass.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" || len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	log.Info().Int("port", s.cfg.ListenPort).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// responseWrapper captures status codes for the access log.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade take over the underlying connection.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
