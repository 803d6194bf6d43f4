// Package redis backs the engine's price cache, exit locks, API rate limits
// and signal bus with go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	// Namespace prefixes every key this package writes, so several engines
	// can share one Redis database. Pub/sub channels are not prefixed.
	Namespace string

	// DialTimeout bounds connection setup and the initial ping.
	DialTimeout time.Duration
}

// Client owns the go-redis connection pool shared by the cache, lock,
// limiter and bus types in this package.
type Client struct {
	rdb  *redis.Client
	keys keyspace
}

// New connects to Redis and verifies the connection with a ping bounded by
// DialTimeout.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}

	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: dial,
		ClientName:  "trenchtools",
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}

	return &Client{rdb: rdb, keys: keyspace(cfg.Namespace)}, nil
}

// NewFromRDB wraps an existing go-redis client without pinging it. An
// optional namespace prefixes keys as in ClientConfig.
func NewFromRDB(rdb *redis.Client, namespace ...string) *Client {
	c := &Client{rdb: rdb}
	if len(namespace) > 0 {
		c.keys = keyspace(namespace[0])
	}
	return c
}

// Ping is used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// keyspace builds "<ns>:<kind>:<id>" keys, or "<kind>:<id>" without a
// namespace.
type keyspace string

func (k keyspace) key(kind, id string) string {
	if k == "" {
		return kind + ":" + id
	}
	return string(k) + ":" + kind + ":" + id
}
