package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// CreateScrapeRun records an ad-hoc run outside the queue. It starts as running.
func (s *Store) CreateScrapeRun(ctx context.Context, scraperName string) (int64, error) {
	if scraperName == "" {
		return 0, fmt.Errorf("scraper name is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_runs (scraper_name, status, started_at) VALUES (?, 'running', ?)`,
		scraperName, formatTime(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert scrape run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("scrape run id: %w", err)
	}
	return id, nil
}

// CompleteScrapeRun records the outcome of an ad-hoc run.
func (s *Store) CompleteScrapeRun(ctx context.Context, runID int64, c scrape.Completion) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return completeRun(ctx, tx, runID, string(c.Status()), formatTime(s.now()), c)
	})
}

// ScrapeRun loads one run by id.
func (s *Store) ScrapeRun(ctx context.Context, runID int64) (scrape.ScrapeRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM scrape_runs WHERE id = ?`, runID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.ScrapeRun{}, fmt.Errorf("scrape run %d: %w", runID, scrape.ErrRunNotFound)
	}
	if err != nil {
		return scrape.ScrapeRun{}, fmt.Errorf("scrape run %d: %w", runID, err)
	}
	return run, nil
}

// ListScrapeRuns returns runs newest first.
func (s *Store) ListScrapeRuns(ctx context.Context, filter scrape.RunFilter) ([]scrape.ScrapeRun, error) {
	query := `SELECT ` + runColumns + ` FROM scrape_runs WHERE 1=1`
	var args []any
	if filter.ScraperName != "" {
		query += ` AND scraper_name = ?`
		args = append(args, filter.ScraperName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = scrape.DefaultRunLimit
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scrape runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	runs := []scrape.ScrapeRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scrape run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scrape run rows: %w", err)
	}
	return runs, nil
}

// ScrapeRunStats aggregates run history. Recent failures cover the last 24 hours.
func (s *Store) ScrapeRunStats(ctx context.Context) (scrape.RunStats, error) {
	since := formatTime(s.now().Add(-24 * time.Hour))
	var stats scrape.RunStats
	if err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'failed' AND started_at >= ? THEN 1 ELSE 0 END), 0)
FROM scrape_runs`, since).Scan(
		&stats.Total,
		&stats.Successful,
		&stats.Failed,
		&stats.Running,
		&stats.RecentFailures,
	); err != nil {
		return scrape.RunStats{}, fmt.Errorf("scrape run stats: %w", err)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total) * 100
	}
	return stats, nil
}
