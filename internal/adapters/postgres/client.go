package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"litellm-exporter/internal/adapters/config"
	"litellm-exporter/pkg/errors"
)

// Client wraps sqlx.DB for the LiteLLM database. The handle can be swapped by Reconnect.
type Client struct {
	cfg config.PostgresConfig

	mu sync.RWMutex
	db *sqlx.DB
}

// NewClient creates a new PostgreSQL client with connection pooling
func NewClient(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, db: db}, nil
}

func open(ctx context.Context, cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/2))
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}

	return db, nil
}

// DB returns the current sqlx.DB instance
func (c *Client) DB() *sqlx.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// Reconnect opens a fresh pool and replaces the current one once it answers a ping
func (c *Client) Reconnect(ctx context.Context) error {
	db, err := open(ctx, c.cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.db
	c.db = db
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.DB().Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.DB().PingContext(ctx)
}
