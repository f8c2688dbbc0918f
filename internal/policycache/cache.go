// Package policycache is a read-through cache of an organization's policies.
// The external key/value store is advisory: if it is down or slow the cache
// falls back to loading directly from Postgres, so ingestion never fails
// because of the cache.
package policycache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/promptgate/promptgate/internal/models"
)

// ErrCacheMiss is returned by a KV when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// KV is the minimal key/value surface the cache needs. All access to cache
// internals goes through this interface.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// redisKV adapts a redis client to KV with a per-operation timeout.
type redisKV struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisKV(client *redis.Client, timeout time.Duration) KV {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &redisKV{client: client, timeout: timeout}
}

func (r *redisKV) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return data, err
}

func (r *redisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Del(ctx, key).Err()
}

// PolicyLoader loads an organization's policies from the source of truth.
type PolicyLoader interface {
	ListPolicies(ctx context.Context, orgID uuid.UUID) ([]models.Policy, error)
}

type Cache struct {
	kv     KV
	loader PolicyLoader
	ttl    time.Duration
	logger *slog.Logger
}

// New builds a policy cache. kv may be nil, in which case every read goes
// straight to the loader.
func New(kv KV, loader PolicyLoader, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{kv: kv, loader: loader, ttl: ttl, logger: logger}
}

func cacheKey(orgID uuid.UUID) string {
	return "promptgate:policies:" + orgID.String()
}

// GetPolicies returns the organization's policies, read-through.
// KV failures degrade to a direct store load and skip caching.
func (c *Cache) GetPolicies(ctx context.Context, orgID uuid.UUID) ([]models.Policy, error) {
	if c.kv == nil {
		return c.loader.ListPolicies(ctx, orgID)
	}

	key := cacheKey(orgID)

	data, err := c.kv.Get(ctx, key)
	if err == nil {
		var policies []models.Policy
		if jsonErr := json.Unmarshal(data, &policies); jsonErr == nil {
			cacheHits.Inc()
			return policies, nil
		}
		// A corrupt entry is treated as a miss and overwritten below.
		c.logger.Warn("dropping corrupt policy cache entry", "org_id", orgID)
	} else if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("policy cache unavailable, loading from store", "org_id", orgID, "error", err)
		cacheErrors.Inc()
		return c.loader.ListPolicies(ctx, orgID)
	}

	cacheMisses.Inc()

	policies, err := c.loader.ListPolicies(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(policies); err == nil {
		if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn("policy cache populate failed", "org_id", orgID, "error", err)
		}
	}

	return policies, nil
}

// Invalidate drops the organization's cache entry. Policy writes call this
// before acknowledging the write, so a tightened policy is never served
// stale past the current TTL window.
func (c *Cache) Invalidate(ctx context.Context, orgID uuid.UUID) error {
	if c.kv == nil {
		return nil
	}
	if err := c.kv.Del(ctx, cacheKey(orgID)); err != nil {
		c.logger.Warn("policy cache invalidation failed", "org_id", orgID, "error", err)
		cacheErrors.Inc()
		return err
	}
	return nil
}
