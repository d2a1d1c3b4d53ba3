package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"campoquest/field-sync/internal/metrics"
	"campoquest/field-sync/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const assignmentKeyPrefix = "fieldsync:assignment:"

// AssignmentCache caches assignment records in Redis so the validation
// endpoint does not hit Postgres on every position check. A nil client
// disables caching; every method degrades to a no-op miss.
type AssignmentCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// Open connects to Redis. An empty addr disables the cache.
func Open(addr, password string, db int, ttl time.Duration, logger *zap.Logger) *AssignmentCache {
	if addr == "" {
		logger.Info("Assignment cache disabled")
		return &AssignmentCache{logger: logger}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	logger.Info("Assignment cache connected", zap.String("addr", addr), zap.Duration("ttl", ttl))
	return &AssignmentCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached assignment, or found=false on a miss. Cache errors
// are logged and reported as misses so Redis outages never fail a request.
func (c *AssignmentCache) Get(ctx context.Context, id string) (*models.Assignment, bool) {
	if c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, assignmentKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.AssignmentCacheMissesTotal.Inc()
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Assignment cache read failed", zap.Error(err), zap.String("assignment_id", id))
		metrics.AssignmentCacheMissesTotal.Inc()
		return nil, false
	}

	var assignment models.Assignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		c.logger.Warn("Corrupt cached assignment", zap.Error(err), zap.String("assignment_id", id))
		metrics.AssignmentCacheMissesTotal.Inc()
		return nil, false
	}

	metrics.AssignmentCacheHitsTotal.Inc()
	return &assignment, true
}

// Put stores the assignment under its id for the configured TTL
func (c *AssignmentCache) Put(ctx context.Context, assignment *models.Assignment) {
	if c.client == nil || assignment == nil {
		return
	}

	data, err := json.Marshal(assignment)
	if err != nil {
		c.logger.Warn("Failed to marshal assignment for cache", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, assignmentKeyPrefix+assignment.ID, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Assignment cache write failed", zap.Error(err), zap.String("assignment_id", assignment.ID))
	}
}

// Close releases the Redis connection
func (c *AssignmentCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
