package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// CreateScrapeRun records an ad-hoc run outside the queue. It starts as running.
func (s *Store) CreateScrapeRun(ctx context.Context, scraperName string) (int64, error) {
	if scraperName == "" {
		return 0, fmt.Errorf("scraper name is required")
	}
	var id int64
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO scrape_runs (scraper_name, status, started_at) VALUES ($1, 'running', $2) RETURNING id`,
		scraperName, s.now(),
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert scrape run: %w", err)
	}
	return id, nil
}

// CompleteScrapeRun records the outcome of an ad-hoc run.
func (s *Store) CompleteScrapeRun(ctx context.Context, runID int64, c scrape.Completion) error {
	return s.completeRun(ctx, s.pool, runID, string(c.Status()), c)
}

// ScrapeRun loads one run by id.
func (s *Store) ScrapeRun(ctx context.Context, runID int64) (scrape.ScrapeRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM scrape_runs WHERE id = $1`, runID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
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
		args = append(args, filter.ScraperName)
		query += ` AND scraper_name = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = scrape.DefaultRunLimit
	}
	args = append(args, limit)
	query += ` ORDER BY started_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scrape runs: %w", err)
	}
	defer rows.Close()
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
	since := s.now().Add(-24 * time.Hour)
	var total, ok, failed, running, recent int64
	if err := s.pool.QueryRow(ctx, `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'running'),
	COUNT(*) FILTER (WHERE status = 'failed' AND started_at >= $1)
FROM scrape_runs`, since).Scan(&total, &ok, &failed, &running, &recent); err != nil {
		return scrape.RunStats{}, fmt.Errorf("scrape run stats: %w", err)
	}
	stats := scrape.RunStats{
		Total:          int(total),
		Successful:     int(ok),
		Failed:         int(failed),
		Running:        int(running),
		RecentFailures: int(recent),
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total) * 100
	}
	return stats, nil
}
