// Package kv wraps go-redis for the cross-process state RevBack needs
// outside of Postgres: rate-limiter token buckets, backfill progress
// checkpoints, and the queue substrate's job storage. Construction follows
// the teacher pack's redisclient.New shape (parse URL, build *redis.Client).
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client with raw-bytes get/set helpers, used by the
// backfill progress checkpoints; the queue and ratelimit packages take the
// underlying *redis.Client from Raw instead.
type Client struct {
	rdb *redis.Client
}

func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: invalid REDIS_URL: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an already-constructed *redis.Client, used by tests
// against miniredis.
func NewFromClient(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(pingCtx).Err()
}

func (c *Client) Close() error { return c.rdb.Close() }

// Set stores value (already-serialized bytes) at key with an optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the raw bytes at key, or redis.Nil if absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return c.rdb.Get(ctx, key).Bytes()
}

// SetNX sets key only if absent, used for distributed locks and
// trusted-source dedup guards.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// IsNil reports whether err is redis.Nil (the "key does not exist" sentinel).
func IsNil(err error) bool { return err == redis.Nil }
