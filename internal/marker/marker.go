// Package marker suppresses double processing of redelivered messages.
package marker

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 10 * time.Minute

type ProcessMarker interface {
	// Acquire true if the caller got the right to process msgID
	Acquire(ctx context.Context, msgID string) (bool, error)
	// Release gives up the right so that a redelivery may process msgID again.
	Release(ctx context.Context, msgID string) error
}

var _ ProcessMarker = (*LocalMarker)(nil)

// LocalMarker only dedupes deliveries that reach this process.
type LocalMarker struct {
	cache *cache.Cache
	ttl   time.Duration
}

func NewLocalMarker(ttl time.Duration) *LocalMarker {
	return &LocalMarker{cache: cache.New(ttl, ttl), ttl: ttl}
}

func (c *LocalMarker) Acquire(ctx context.Context, msgID string) (bool, error) {
	err := c.cache.Add(msgID, struct{}{}, c.ttl)
	return err == nil, nil
}

func (c *LocalMarker) Release(ctx context.Context, msgID string) error {
	c.cache.Delete(msgID)
	return nil
}

var _ ProcessMarker = (*RedisMarker)(nil)

type RedisMarker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisMarker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisMarker {
	return &RedisMarker{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisMarker) key(msgID string) string {
	return c.prefix + "processed-check:" + msgID
}

func (c *RedisMarker) Acquire(ctx context.Context, msgID string) (bool, error) {
	return c.client.SetNX(ctx, c.key(msgID), "v", c.ttl).Result()
}

func (c *RedisMarker) Release(ctx context.Context, msgID string) error {
	return c.client.Del(ctx, c.key(msgID)).Err()
}
