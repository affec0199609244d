// internal/repository/cache/result_cache.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const resultKeyPrefix = "idempotency:result:"

// ResultCache keeps idempotency results in Redis in front of Postgres.
// A miss is reported as (nil, nil).
type ResultCache struct {
	client redis.UniversalClient
}

func NewResultCache(client redis.UniversalClient) *ResultCache {
	return &ResultCache{client: client}
}

func (c *ResultCache) Get(ctx context.Context, key string) (json.RawMessage, error) {
	val, err := c.client.Get(ctx, resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached result: %w", err)
	}
	return json.RawMessage(val), nil
}

// Set stores value until ttl. Non-positive TTLs are ignored since the row
// would already be expired in Postgres.
func (c *ResultCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if value == nil {
		value = json.RawMessage("null")
	}
	if err := c.client.Set(ctx, resultKey(key), []byte(value), ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}

func resultKey(key string) string {
	return resultKeyPrefix + key
}
