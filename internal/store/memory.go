package store

import (
	"context"
	"sync"
	"time"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

// MemoryStore keeps the latest snapshot in process memory. It is the
// default when no Redis address is configured.
type MemoryStore struct {
	maxAge  time.Duration
	metrics *metrics.MetricsRegistry
	now     func() time.Time

	mu   sync.RWMutex
	snap *snapshot
}

func NewMemory(maxAge time.Duration, m *metrics.MetricsRegistry) *MemoryStore {
	return &MemoryStore{maxAge: maxAge, metrics: m, now: time.Now}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, views []model.AggregatedView) error {
	copied := append([]model.AggregatedView(nil), views...)
	s.mu.Lock()
	s.snap = &snapshot{SavedAt: s.now(), Views: copied}
	s.mu.Unlock()
	s.metrics.RecordStoreOp("save", "ok")
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) ([]model.AggregatedView, error) {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if snap == nil {
		s.metrics.RecordStoreOp("load", "miss")
		return nil, ErrNotFound
	}
	if s.now().Sub(snap.SavedAt) > s.maxAge {
		s.metrics.RecordStoreOp("load", "stale")
		return nil, ErrStale
	}
	s.metrics.RecordStoreOp("load", "ok")
	return append([]model.AggregatedView(nil), snap.Views...), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
