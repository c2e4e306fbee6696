// Package tokenstore provides the keyed TTL store holding per-account order
// payloads, addressed by opaque token keys.
package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PTTL sentinel values, as reported by the store.
const (
	// PTTLKeyAbsent means the key does not exist.
	PTTLKeyAbsent int64 = -2
	// PTTLNoExpiry means the key exists without a TTL.
	PTTLNoExpiry int64 = -1
)

// Config holds store connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client is a thin wrapper over the Redis client exposing the handful of
// primitives the token lifecycle needs.
type Client struct {
	rdb *redis.Client
}

// New connects to the store and verifies the connection.
func New(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to token store: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Set writes a value under a key with an absolute TTL.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get reads the value under a key. The second return is false when the key
// is absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// PTTL returns the remaining TTL of a key in milliseconds, PTTLKeyAbsent when
// the key does not exist, or PTTLNoExpiry when it exists without a TTL.
func (c *Client) PTTL(ctx context.Context, key string) (int64, error) {
	d, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return PTTLKeyAbsent, err
	}
	if d < 0 {
		// go-redis reports the -2/-1 sentinels as raw negative durations.
		return int64(d), nil
	}
	return int64(d / time.Millisecond), nil
}

// PExpire sets the remaining TTL of a key.
func (c *Client) PExpire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.PExpire(ctx, key, ttl).Err()
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Rotate atomically publishes a payload under newKey with the full TTL and,
// when oldKey is non-empty, shortens the old key's TTL to the grace window.
// Both commands travel in one round-trip so a consumer mid-request sees
// either key answer with identical content.
func (c *Client) Rotate(ctx context.Context, newKey, value string, ttl time.Duration, oldKey string, grace time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, newKey, value, ttl)
	if oldKey != "" {
		pipe.PExpire(ctx, oldKey, grace)
	}
	_, err := pipe.Exec(ctx)
	return err
}
