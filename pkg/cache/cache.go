// Package cache provides a Redis-backed read-through cache for full
// handle records.
//
// Handle values carry a TTL precisely so resolvers may cache them; the
// cache honors the smallest value TTL in a record, bounded by a
// configured maximum. Cache failures never fail a lookup: callers fall
// back to a direct registry fetch.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noord-hollandsarchief/hdl-custom/pkg/handle"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/logging"
)

// Prometheus metrics for cache operations.
var (
	pidCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pid_cache_hits_total",
		Help: "Total record cache hits",
	})

	pidCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pid_cache_misses_total",
		Help: "Total record cache misses",
	})

	pidCacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pid_cache_errors_total",
		Help: "Total cache operation errors by operation",
	}, []string{"operation"})
)

const keyPrefix = "pid:record:"

// Config holds cache configuration.
type Config struct {
	// Redis client holding cached records.
	Redis *redis.Client

	// MaxTTL caps the lifetime of a cached record regardless of its
	// value TTLs.
	MaxTTL time.Duration

	// DefaultTTL applies when a record carries no positive value TTL.
	DefaultTTL time.Duration
}

// DefaultConfig returns a safe default configuration. The common handle
// value TTL is 86400s; the default cap keeps entries well under that.
func DefaultConfig(redisClient *redis.Client) Config {
	return Config{
		Redis:      redisClient,
		MaxTTL:     24 * time.Hour,
		DefaultTTL: time.Hour,
	}
}

// Manager is the record cache. It implements registry.RecordCache.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	return &Manager{
		cfg:    cfg,
		logger: logging.NewLogger("cache"),
	}, nil
}

// Get returns the cached record for a normalized identifier, or
// (nil, nil) on a miss.
func (m *Manager) Get(ctx context.Context, id string) (*handle.Record, error) {
	key := keyPrefix + handle.Normalize(id)

	data, err := m.cfg.Redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		pidCacheMissesTotal.Inc()
		return nil, nil
	}
	if err != nil {
		pidCacheErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}

	var rec handle.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		pidCacheErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("cache decode %s: %w", key, err)
	}
	rec.Raw = data

	pidCacheHitsTotal.Inc()
	m.logger.Debug().Str("key", key).Msg("Cache hit")
	return &rec, nil
}

// Set stores a record under its normalized identifier. The entry TTL
// follows the record's smallest value TTL, bounded by MaxTTL.
func (m *Manager) Set(ctx context.Context, id string, rec *handle.Record) error {
	key := keyPrefix + handle.Normalize(id)

	data := rec.Raw
	if len(data) == 0 {
		var err error
		data, err = json.Marshal(rec)
		if err != nil {
			pidCacheErrorsTotal.WithLabelValues("set").Inc()
			return fmt.Errorf("cache encode %s: %w", key, err)
		}
	}

	ttl := m.entryTTL(rec)
	if err := m.cfg.Redis.Set(ctx, key, data, ttl).Err(); err != nil {
		pidCacheErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	m.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cached record")
	return nil
}

// entryTTL derives the cache lifetime from the record's value TTLs.
func (m *Manager) entryTTL(rec *handle.Record) time.Duration {
	ttl := m.cfg.DefaultTTL
	if min := rec.MinTTL(); min > 0 {
		ttl = time.Duration(min) * time.Second
	}
	if ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}
	return ttl
}
