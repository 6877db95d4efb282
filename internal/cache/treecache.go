// Package cache provides a Redis-backed cache for the per-space tree
// payload. The flat tree is the hottest read in the system and every
// tree or page-metadata mutation invalidates the whole space entry,
// so a short TTL plus explicit invalidation keeps it honest.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

type TreeCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTreeCache connects to Redis and verifies the connection.
func NewTreeCache(redisURL string, ttl time.Duration) (*TreeCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewTreeCacheWithClient(client, ttl), nil
}

// NewTreeCacheWithClient wraps an existing Redis client.
func NewTreeCacheWithClient(client *redis.Client, ttl time.Duration) *TreeCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TreeCache{
		client: client,
		prefix: "tree:",
		ttl:    ttl,
	}
}

func (c *TreeCache) key(spaceID string) string {
	return c.prefix + spaceID
}

// GetSpaceTree returns the cached tree payload for a space, or false
// on a miss. Redis errors are logged and treated as misses.
func (c *TreeCache) GetSpaceTree(ctx context.Context, spaceID string) ([]byte, bool) {
	payload, err := c.client.Get(ctx, c.key(spaceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Printf("cache: get tree %s: %v", spaceID, err)
		return nil, false
	}
	return payload, true
}

// SetSpaceTree stores the tree payload for a space with the cache TTL.
func (c *TreeCache) SetSpaceTree(ctx context.Context, spaceID string, payload []byte) {
	if err := c.client.Set(ctx, c.key(spaceID), payload, c.ttl).Err(); err != nil {
		log.Printf("cache: set tree %s: %v", spaceID, err)
	}
}

// InvalidateSpace drops the cached tree for a space.
func (c *TreeCache) InvalidateSpace(ctx context.Context, spaceID string) {
	if err := c.client.Del(ctx, c.key(spaceID)).Err(); err != nil {
		log.Printf("cache: invalidate tree %s: %v", spaceID, err)
	}
}

// Close closes the Redis connection.
func (c *TreeCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *TreeCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
