package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JSONCache stores JSON documents under a key prefix with a fixed TTL.
type JSONCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewJSONCache(rdb redis.Cmdable, prefix string, ttl time.Duration) *JSONCache {
	return &JSONCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// ContentKey is the hex SHA-256 of data.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get decodes the document stored under key into dst. A miss is reported as
// false with a nil error.
func (c *JSONCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("cache decode: %w", err)
	}
	return true, nil
}

func (c *JSONCache) Set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
