package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"litellm-exporter/internal/adapters/config"
)

// Socket timeouts for the checkpoint store. A slow Redis must never stall an export cycle.
const (
	DialTimeout  = 5 * time.Second
	ReadTimeout  = 5 * time.Second
	WriteTimeout = 5 * time.Second
)

// Client wraps Redis client
type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client without contacting the server.
// Reachability is decided by the checkpoint manager's probe.
func NewClient(cfg config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DialTimeout,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		MaxRetries:   1,
	})

	return &Client{rdb: rdb}
}

// Client returns the underlying Redis client
func (c *Client) Client() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
