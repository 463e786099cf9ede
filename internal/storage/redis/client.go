package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client abstracts the Redis operations the span store needs.
type Client interface {
	Ping(ctx context.Context) error
	Close() error

	HSet(ctx context.Context, key string, values ...interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// ZAddGT only raises existing scores.
	ZAddGT(ctx context.Context, key string, members ...redis.Z) error
	ZAdd(ctx context.Context, key string, members ...redis.Z) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error)
	ZRem(ctx context.Context, key string, members ...interface{}) error
	ZRemRangeByScore(ctx context.Context, key, min, max string) error

	Expire(ctx context.Context, key string, expiration time.Duration) error
}

type goRedisClient struct {
	client redis.UniversalClient
}

// Wrap adapts a go-redis client to Client.
func Wrap(client redis.UniversalClient) Client {
	return &goRedisClient{client: client}
}

func (c *goRedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *goRedisClient) Close() error {
	return c.client.Close()
}

func (c *goRedisClient) HSet(ctx context.Context, key string, values ...interface{}) error {
	return c.client.HSet(ctx, key, values...).Err()
}

func (c *goRedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

func (c *goRedisClient) ZAddGT(ctx context.Context, key string, members ...redis.Z) error {
	return c.client.ZAddArgs(ctx, key, redis.ZAddArgs{GT: true, Members: members}).Err()
}

func (c *goRedisClient) ZAdd(ctx context.Context, key string, members ...redis.Z) error {
	return c.client.ZAdd(ctx, key, members...).Err()
}

func (c *goRedisClient) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error) {
	return c.client.ZRangeByScore(ctx, key, opt).Result()
}

func (c *goRedisClient) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return c.client.ZRem(ctx, key, members...).Err()
}

func (c *goRedisClient) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return c.client.ZRemRangeByScore(ctx, key, min, max).Err()
}

func (c *goRedisClient) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.client.ZRevRange(ctx, key, start, stop).Result()
}

func (c *goRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.client.Expire(ctx, key, expiration).Err()
}
