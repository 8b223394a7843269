// Package rediscache provides an alternate, Redis-backed implementation of
// the token cache's Store and the join store's Persister, for deployments
// that would rather lean on an existing Redis deployment than the Storage
// Gateway's Postgres tables for these two high-churn, TTL-shaped records.
package rediscache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis v9 connection, verifying connectivity at
// construction so callers fail fast instead of discovering a bad address on
// the first cache miss.
type Client struct {
	rdb *redis.Client
}

// New dials addr and pings it before returning, so a misconfigured Redis
// address is a startup error rather than a silent fallback.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("rediscache: ping %s: %w", addr, err)
	}
	slog.Info("rediscache: connected", "addr", addr, "db", db)
	return &Client{rdb: rdb}, nil
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
