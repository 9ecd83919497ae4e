// Package cache keeps provider busy intervals in Redis for a short time so repeated
// availability queries do not hit every provider.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"schedsync/internal/logging"
	"schedsync/internal/models"
)

const keyPrefix = "schedsync:busy:"

// DefaultTTL bounds how stale a cached busy list may be.
const DefaultTTL = time.Minute

// BusyCache stores busy intervals per (integration, range). Invalidate bumps a per-integration
// generation so older entries are never read again and simply expire.
type BusyCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to Redis at addr.
func NewRedis(addr, password string, db int, ttl time.Duration, logger *slog.Logger) *BusyCache {
	return New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), ttl, logger)
}

// New wraps an existing client.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *BusyCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BusyCache{client: client, ttl: ttl, logger: logging.OrDiscard(logger)}
}

// Ping checks the connection.
func (c *BusyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *BusyCache) Close() error {
	return c.client.Close()
}

func generationKey(integrationID string) string {
	return keyPrefix + "gen:" + integrationID
}

func entryKey(integrationID string, gen int64, from, to time.Time) string {
	return fmt.Sprintf("%s%s:%d:%d:%d", keyPrefix, integrationID, gen, from.Unix(), to.Unix())
}

func (c *BusyCache) generation(ctx context.Context, integrationID string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(integrationID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get returns cached busy intervals. Any Redis failure is a miss.
func (c *BusyCache) Get(ctx context.Context, integrationID string, from, to time.Time) ([]models.TimeSlot, bool) {
	gen, err := c.generation(ctx, integrationID)
	if err != nil {
		c.logger.Debug("Busy cache unavailable", logging.KeyIntegration, integrationID, logging.Err(err))
		return nil, false
	}
	raw, err := c.client.Get(ctx, entryKey(integrationID, gen, from, to)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("Busy cache read failed", logging.KeyIntegration, integrationID, logging.Err(err))
		}
		return nil, false
	}
	var slots []models.TimeSlot
	if err := json.Unmarshal(raw, &slots); err != nil {
		c.logger.Warn("Discarding corrupt busy cache entry", logging.KeyIntegration, integrationID, logging.Err(err))
		return nil, false
	}
	return slots, true
}

// Set stores busy intervals for the range. Failures are logged and ignored.
func (c *BusyCache) Set(ctx context.Context, integrationID string, from, to time.Time, slots []models.TimeSlot) {
	gen, err := c.generation(ctx, integrationID)
	if err != nil {
		return
	}
	raw, err := json.Marshal(slots)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, entryKey(integrationID, gen, from, to), raw, c.ttl).Err(); err != nil {
		c.logger.Debug("Busy cache write failed", logging.KeyIntegration, integrationID, logging.Err(err))
	}
}

// Invalidate makes every cached range of the integration stale.
func (c *BusyCache) Invalidate(ctx context.Context, integrationID string) {
	if err := c.client.Incr(ctx, generationKey(integrationID)).Err(); err != nil {
		c.logger.Warn("Busy cache invalidation failed", logging.KeyIntegration, integrationID, logging.Err(err))
	}
}
