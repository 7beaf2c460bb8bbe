package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client wraps Redis with the get / set-with-TTL / atomic-delete interface
// the resolvers and the permission engine depend on.
type Client struct {
	rdb *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// NewClient creates a Redis-backed cache client and verifies connectivity.
func NewClient(opts Options) (*Client, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if opts.Password != "" {
		ropts.Password = opts.Password
	}
	if opts.DB >= 0 {
		ropts.DB = opts.DB
	}
	if opts.MaxRetries > 0 {
		ropts.MaxRetries = opts.MaxRetries
	}
	if opts.PoolSize > 0 {
		ropts.PoolSize = opts.PoolSize
	}

	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second
	ropts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: client}, nil
}

// NewClientFromRedis wraps an existing Redis client (used by tests with miniredis).
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Get retrieves a raw value. The second return is false on a cache miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}

// Set stores a raw value with a TTL.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// GetJSON retrieves and unmarshals a cached value into dest.
// A corrupt entry is deleted and reported as a miss.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	val, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		c.rdb.Del(ctx, key)
		return false, nil
	}

	return true, nil
}

// SetJSON marshals and stores a value with a TTL.
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.Set(ctx, key, string(data), ttl)
}

// Delete removes keys atomically.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// DeletePattern removes all keys matching a pattern via SCAN. Used when a
// tenant is suspended and every entry in its namespace must go.
func (c *Client) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Redis exposes the underlying client for the daemon health checker.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
