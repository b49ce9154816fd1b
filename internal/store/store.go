// Package store provides the Postgres-backed local state for the sync
// engine: sync cursors, the append-only sync-run log, mirrored source
// entities, and the opportunity mirror with its detection queries.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldops/crm-bridge/internal/config"
)

const defaultMaxConns = 10

// Store wraps the connection pool and exposes typed queries. All writers use
// upsert-by-natural-key semantics so repeated writes never duplicate rows.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option is a functional option for configuring the store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store from database configuration and verifies connectivity.
func New(ctx context.Context, cfg *config.DatabaseConfig, opts ...Option) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	connStr, err := cfg.GetConnectionString()
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database configuration: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	if poolCfg.MaxConns == 0 {
		poolCfg.MaxConns = defaultMaxConns
	}
	poolCfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger.Info("database connection established",
		"host", cfg.Host, "port", cfg.Port, "database", cfg.Database)

	return s, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of the pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: slog.Default()}
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.pool.Ping(ctx)
}
