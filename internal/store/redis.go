package store

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

const (
	snapshotKey = "perpscan:snapshot"
	snapshotTTL = time.Hour
)

// RedisStore persists snapshots under a single key so a restarted process
// (or a sibling replica) can serve prices before its own feeds warm up.
type RedisStore struct {
	client  *redis.Client
	maxAge  time.Duration
	metrics *metrics.MetricsRegistry
	now     func() time.Time
}

func NewRedis(addr string, maxAge time.Duration, m *metrics.MetricsRegistry) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return newRedisWithClient(client, maxAge, m)
}

func newRedisWithClient(client *redis.Client, maxAge time.Duration, m *metrics.MetricsRegistry) *RedisStore {
	return &RedisStore{client: client, maxAge: maxAge, metrics: m, now: time.Now}
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, views []model.AggregatedView) error {
	data, err := json.Marshal(snapshot{SavedAt: s.now(), Views: views})
	if err != nil {
		s.metrics.RecordStoreOp("save", "error")
		return err
	}
	if err := s.client.Set(ctx, snapshotKey, data, snapshotTTL).Err(); err != nil {
		s.metrics.RecordStoreOp("save", "error")
		log.Warn().Err(err).Msg("Snapshot save failed")
		return err
	}
	s.metrics.RecordStoreOp("save", "ok")
	return nil
}

func (s *RedisStore) LoadSnapshot(ctx context.Context) ([]model.AggregatedView, error) {
	data, err := s.client.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		s.metrics.RecordStoreOp("load", "miss")
		return nil, ErrNotFound
	}
	if err != nil {
		s.metrics.RecordStoreOp("load", "error")
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.metrics.RecordStoreOp("load", "error")
		return nil, err
	}
	if s.now().Sub(snap.SavedAt) > s.maxAge {
		s.metrics.RecordStoreOp("load", "stale")
		return nil, ErrStale
	}
	s.metrics.RecordStoreOp("load", "ok")
	return snap.Views, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
