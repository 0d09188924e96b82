package utils

import (
	"context"       // Context for Redis operations
	"encoding/json" // JSON encoding/decoding
	"errors"        // Error comparison
	"time"          // Time durations

	"github.com/redis/go-redis/v9" // Redis client
)

// Cache stores JSON encoded values under string keys
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisCache is a Cache backed by a Redis client
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps an existing client
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Get retrieves a value from Redis and unmarshals it into dest
func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes() // Get value from Redis
	if errors.Is(err, redis.Nil) {
		return false, nil // Key does not exist
	} else if err != nil {
		return false, err // Other Redis error
	}
	return true, json.Unmarshal(val, dest) // Unmarshal JSON into dest
}

// Set stores a value in Redis with a specified TTL
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value) // Marshal value to JSON
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// Delete removes keys from Redis
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// NopCache never stores anything; used when Redis is not configured
type NopCache struct{}

func (NopCache) Get(context.Context, string, any) (bool, error) { return false, nil }

func (NopCache) Set(context.Context, string, any, time.Duration) error { return nil }

func (NopCache) Delete(context.Context, ...string) error { return nil }

// History pages are only cached for the default page size and the first few
// pages, so invalidation can enumerate every key it may have written.
const (
	HistoryPageSize    = 20
	HistoryCachedPages = 5
)

// WalletKey is the cache key of a user's wallet
func WalletKey(userID uint) string {
	return "wallet:user:" + uintStr(userID)
}

// IdentityKey is the cache key of a user's compliance identity
func IdentityKey(userID uint) string {
	return "identity:user:" + uintStr(userID)
}

// HistoryPageKey is the cache key of one page of a user's history
func HistoryPageKey(userID uint, page int) string {
	return "txhistory:user:" + uintStr(userID) + ":page:" + intStr(page) + ":size:" + intStr(HistoryPageSize)
}

// WalletKeys lists every key to drop after a user's balance changed
func WalletKeys(userID uint) []string {
	keys := []string{WalletKey(userID)}
	for page := 1; page <= HistoryCachedPages; page++ {
		keys = append(keys, HistoryPageKey(userID, page))
	}
	return keys
}
