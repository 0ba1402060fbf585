// Package rediscache shares geocoding results between service instances
// through Redis.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/couchcryptid/geocode-stream-service/internal/domain"
	"github.com/couchcryptid/geocode-stream-service/internal/observability"
)

const keyPrefix = "geocode:"

// CachedGeocoder wraps a Geocoder with a Redis cache. Redis failures are
// logged and fall through to the wrapped geocoder.
type CachedGeocoder struct {
	inner   domain.Geocoder
	client  redis.UniversalClient
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewCachedGeocoder creates a Redis cache decorator. A zero ttl keeps
// entries until Redis evicts them. metrics may be nil.
func NewCachedGeocoder(inner domain.Geocoder, client redis.UniversalClient, ttl time.Duration, metrics *observability.Metrics, logger *slog.Logger) *CachedGeocoder {
	return &CachedGeocoder{
		inner:   inner,
		client:  client,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *CachedGeocoder) GeocodeAddress(ctx context.Context, address string) ([]domain.Candidate, error) {
	key := cacheKey(address)

	candidates, err := c.get(ctx, key)
	switch {
	case err == nil:
		c.observe("hit")
		return candidates, nil
	case errors.Is(err, redis.Nil):
		c.observe("miss")
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.observe("error")
		c.logger.Warn("redis cache read failed", "key", key, "error", err)
	}

	candidates, err = c.inner.GeocodeAddress(ctx, address)
	if err != nil || len(candidates) == 0 {
		return candidates, err
	}

	if err := c.set(ctx, key, candidates); err != nil {
		c.observe("error")
		c.logger.Warn("redis cache write failed", "key", key, "error", err)
	}
	return candidates, nil
}

// Ping reports whether Redis is reachable.
func (c *CachedGeocoder) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *CachedGeocoder) get(ctx context.Context, key string) ([]domain.Candidate, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var candidates []domain.Candidate
	if err := json.Unmarshal(raw, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (c *CachedGeocoder) set(ctx context.Context, key string, candidates []domain.Candidate) error {
	raw, err := json.Marshal(candidates)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

func (c *CachedGeocoder) observe(result string) {
	if c.metrics != nil {
		c.metrics.GeocodeCache.WithLabelValues("redis", result).Inc()
	}
}

func cacheKey(address string) string {
	return keyPrefix + strings.ToLower(strings.Join(strings.Fields(address), " "))
}
