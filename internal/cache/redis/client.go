// Package redis implements the shared fast-store interfaces of the domain
// package on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	TLSEnabled   bool
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a go-redis Client and provides connectivity helpers.
type Client struct {
	rdb *redis.Client
}

// New creates a Client and pings it.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// FromRedis wraps an existing go-redis client.
func FromRedis(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w: %v", domain.ErrStoreUnavailable, err)
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

// ttlUntil returns a positive TTL for an absolute expiry.
func ttlUntil(at time.Time) time.Duration {
	d := time.Until(at)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

func isNil(err error) bool { return errors.Is(err, redis.Nil) }
