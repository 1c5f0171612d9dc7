// Package postgres provides a Postgres-backed durable store for the scrape queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// Config controls the Postgres connection pool and queue behavior.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	StaleTimeout    time.Duration
	MaxRetries      int
	Migrate         bool
	Clock           scrape.Clock
}

// pool is the subset of pgxpool.Pool the store uses, so pgxmock can stand in.
type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// querier is shared by pool and pgx.Tx.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store implements scrape.Store on Postgres.
type Store struct {
	pool         pool
	clock        scrape.Clock
	staleTimeout time.Duration
	maxRetries   int
}

var _ scrape.Store = (*Store)(nil)

// claimLockKey serializes claims so the running-count check is atomic.
const claimLockKey int64 = 0x73637271 // "scrq"

const schema = `
CREATE TABLE IF NOT EXISTS scrape_runs (
	id BIGSERIAL PRIMARY KEY,
	scraper_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	products_found INTEGER,
	error_message TEXT,
	duration_seconds DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_scraper ON scrape_runs (scraper_name, started_at DESC);

CREATE TABLE IF NOT EXISTS job_queue (
	id BIGSERIAL PRIMARY KEY,
	scraper_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT 'manual',
	created_at TIMESTAMPTZ NOT NULL,
	claimed_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	worker_id TEXT,
	scrape_run_id BIGINT REFERENCES scrape_runs(id),
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3
);
CREATE INDEX IF NOT EXISTS idx_job_queue_status ON job_queue (status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_job_queue_scraper ON job_queue (scraper_name, status);

CREATE TABLE IF NOT EXISTS scraper_schedules (
	id BIGSERIAL PRIMARY KEY,
	scraper_name TEXT NOT NULL UNIQUE,
	enabled BOOLEAN NOT NULL DEFAULT FALSE,
	interval_minutes INTEGER NOT NULL DEFAULT 60,
	last_run TIMESTAMPTZ,
	next_run TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id BIGSERIAL PRIMARY KEY,
	source TEXT NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL,
	name TEXT NOT NULL,
	price DOUBLE PRECISION,
	currency TEXT,
	url TEXT,
	item_id TEXT,
	product_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_products_source ON products (source, scraped_at DESC);
`

// New connects to Postgres using cfg and optionally applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = scrape.DefaultStaleTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = scrape.DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	return &Store{
		pool:         p,
		clock:        cfg.Clock,
		staleTimeout: cfg.StaleTimeout,
		maxRetries:   cfg.MaxRetries,
	}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifies the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// ResetAll deletes every row from the queue, run, schedule and product tables.
func (s *Store) ResetAll(ctx context.Context) (scrape.ResetCounts, error) {
	counts := scrape.ResetCounts{}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, table := range []string{"job_queue", "scrape_runs", "scraper_schedules", "products"} {
			tag, err := tx.Exec(ctx, "DELETE FROM "+table)
			if err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
			counts[table] = tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}
