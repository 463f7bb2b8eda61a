// Package redis backs the shared runtime state of econaudit with go-redis:
// the oracle quote cache, fork-port and audit locks, the API rate limiter,
// and the audit event bus.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// Namespace prefixes every key, channel and stream so several
	// deployments can share one server. Empty means no prefix.
	Namespace string
	// DialTimeout bounds connection setup; zero uses 5s.
	DialTimeout time.Duration
}

// Client owns the connection pool and the key namespace the adapters use.
type Client struct {
	rdb *redis.Client
	ns  string
}

// New connects and pings the server.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb, ns: strings.Trim(cfg.Namespace, ":")}, nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// key joins parts with ':' under the client namespace.
//
//	key("lock", "fork:port:8545") == "econaudit:lock:fork:port:8545"
func (c *Client) key(parts ...string) string {
	k := strings.Join(parts, ":")
	if c.ns == "" {
		return k
	}
	return c.ns + ":" + k
}
