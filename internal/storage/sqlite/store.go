// Package sqlite provides the file-backed durable store for the scrape queue.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// Config controls how the SQLite store is opened.
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	StaleTimeout time.Duration
	MaxRetries   int
	MaxOpenConns int
	Clock        scrape.Clock
}

// Store implements scrape.Store on top of a single SQLite database file.
type Store struct {
	db           *sql.DB
	clock        scrape.Clock
	staleTimeout time.Duration
	maxRetries   int
}

var _ scrape.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS scrape_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scraper_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	products_found INTEGER,
	error_message TEXT,
	duration_seconds REAL
);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_scraper ON scrape_runs (scraper_name, started_at DESC);

CREATE TABLE IF NOT EXISTS job_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scraper_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT 'manual',
	created_at TEXT NOT NULL,
	claimed_at TEXT,
	completed_at TEXT,
	worker_id TEXT,
	scrape_run_id INTEGER REFERENCES scrape_runs(id),
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3
);
CREATE INDEX IF NOT EXISTS idx_job_queue_status ON job_queue (status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_job_queue_scraper ON job_queue (scraper_name, status);

CREATE TABLE IF NOT EXISTS scraper_schedules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scraper_name TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 0,
	interval_minutes INTEGER NOT NULL DEFAULT 60,
	last_run TEXT,
	next_run TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	scraped_at TEXT NOT NULL,
	name TEXT NOT NULL,
	price REAL,
	currency TEXT,
	url TEXT,
	item_id TEXT,
	product_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_products_source ON products (source, scraped_at DESC);
`

// New opens (creating if necessary) the database at cfg.Path and applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
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

	db, err := sql.Open("sqlite", buildDSN(cfg.Path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping sqlite: %w", err), db.Close())
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.Join(fmt.Errorf("apply schema: %w", err), db.Close())
	}
	return &Store{
		db:           db,
		clock:        cfg.Clock,
		staleTimeout: cfg.StaleTimeout,
		maxRetries:   cfg.MaxRetries,
	}, nil
}

// buildDSN makes every transaction BEGIN IMMEDIATE so a claim holds the
// write lock from its first read.
func buildDSN(path string, busy time.Duration) string {
	return fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path,
		busy.Milliseconds(),
	)
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// ResetAll deletes every row from the queue, run, schedule and product tables.
func (s *Store) ResetAll(ctx context.Context) (scrape.ResetCounts, error) {
	counts := scrape.ResetCounts{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// job_queue references scrape_runs, so it goes first.
		for _, table := range []string{"job_queue", "scrape_runs", "scraper_schedules", "products"} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table)
			if err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("count %s: %w", table, err)
			}
			counts[table] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}
