// Package redis holds the shared-state adapters of the engine process: the
// keeper's leader lock, the change-feed bus, the oracle price cache and the
// API rate limiter. All keys live under a configurable namespace.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key when ClientConfig.Namespace is empty.
const DefaultNamespace = "oraclemarket"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	Namespace  string
}

// Client wraps a go-redis Client and the key namespace.
type Client struct {
	rdb *redis.Client
	ns  string
}

// New connects and pings Redis.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewFromClient(rdb, cfg.Namespace), nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb *redis.Client, namespace string) *Client {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Client{rdb: rdb, ns: namespace}
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}

// Key joins parts under the client's namespace, e.g. "oraclemarket:lock:keeper".
func (c *Client) Key(parts ...string) string {
	k := c.ns
	for _, p := range parts {
		k += ":" + p
	}
	return k
}
