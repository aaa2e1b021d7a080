// Package postgres archives found blocks and reward distributions. The
// share-level record of truth is the append-only ledger; PostgreSQL holds
// only the durable payout-relevant history.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

// EnsureSchema creates the archive tables if they do not exist
func (c *Client) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			id            BIGSERIAL PRIMARY KEY,
			height        BIGINT NOT NULL,
			hash          TEXT NOT NULL UNIQUE,
			miner_address TEXT NOT NULL,
			worker_name   TEXT NOT NULL DEFAULT '',
			share_id      BIGINT NOT NULL,
			difficulty    DOUBLE PRECISION NOT NULL,
			reward_sats   BIGINT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			confirmations BIGINT NOT NULL DEFAULT 0,
			found_at      TIMESTAMPTZ NOT NULL,
			confirmed_at  TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS reward_distributions (
			id          BIGSERIAL PRIMARY KEY,
			block_hash  TEXT NOT NULL,
			address     TEXT NOT NULL,
			amount_sats BIGINT NOT NULL,
			weight      DOUBLE PRECISION NOT NULL,
			is_donation BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_height ON blocks (height)`,
		`CREATE INDEX IF NOT EXISTS idx_distributions_block ON reward_distributions (block_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_distributions_address ON reward_distributions (address)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	return nil
}
