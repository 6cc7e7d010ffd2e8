// Package store persists aggregated price snapshots so REST reads can be
// served without touching the hot aggregation path. A snapshot older than
// the configured bound is reported stale and callers fall back to the live
// aggregator.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

var (
	// ErrNotFound means no snapshot has been saved yet.
	ErrNotFound = errors.New("store: snapshot not found")
	// ErrStale means a snapshot exists but is too old to serve.
	ErrStale = errors.New("store: snapshot stale")
)

// Store is the snapshot persistence contract.
type Store interface {
	SaveSnapshot(ctx context.Context, views []model.AggregatedView) error
	LoadSnapshot(ctx context.Context) ([]model.AggregatedView, error)
	Ping(ctx context.Context) error
	Close() error
}

// snapshot is the stored envelope. SavedAt drives staleness checks on load.
type snapshot struct {
	SavedAt time.Time              `json:"saved_at"`
	Views   []model.AggregatedView `json:"views"`
}

// NewAuto picks Redis when an address is configured, in-memory otherwise.
func NewAuto(addr string, maxAge time.Duration, m *metrics.MetricsRegistry) Store {
	if addr != "" {
		log.Info().Str("addr", addr).Msg("Using Redis snapshot store")
		return NewRedis(addr, maxAge, m)
	}
	log.Info().Msg("Using in-memory snapshot store")
	return NewMemory(maxAge, m)
}
