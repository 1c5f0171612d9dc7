package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// UpsertSchedule creates or updates the schedule for scraperName, keeping past run times.
func (s *Store) UpsertSchedule(ctx context.Context, scraperName string, enabled bool, intervalMinutes int) error {
	if scraperName == "" {
		return fmt.Errorf("scraper name is required")
	}
	if intervalMinutes <= 0 {
		return fmt.Errorf("interval_minutes must be > 0")
	}
	now := s.now()
	if _, err := s.pool.Exec(ctx, `
INSERT INTO scraper_schedules (scraper_name, enabled, interval_minutes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (scraper_name) DO UPDATE SET
	enabled = EXCLUDED.enabled,
	interval_minutes = EXCLUDED.interval_minutes,
	updated_at = EXCLUDED.updated_at`,
		scraperName, enabled, intervalMinutes, now,
	); err != nil {
		return fmt.Errorf("upsert schedule %s: %w", scraperName, err)
	}
	return nil
}

// Schedule loads the schedule for scraperName.
func (s *Store) Schedule(ctx context.Context, scraperName string) (scrape.Schedule, error) {
	sched, err := scanSchedule(s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM scraper_schedules WHERE scraper_name = $1`, scraperName,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Schedule{}, fmt.Errorf("schedule %s: %w", scraperName, scrape.ErrScheduleNotFound)
	}
	if err != nil {
		return scrape.Schedule{}, fmt.Errorf("schedule %s: %w", scraperName, err)
	}
	return sched, nil
}

// ListSchedules returns every schedule ordered by scraper name.
func (s *Store) ListSchedules(ctx context.Context) ([]scrape.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM scraper_schedules ORDER BY scraper_name`)
}

// DueSchedules returns enabled schedules that never ran or whose next run has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]scrape.Schedule, error) {
	return s.querySchedules(ctx, `
SELECT `+scheduleColumns+` FROM scraper_schedules
WHERE enabled AND (next_run IS NULL OR next_run <= $1)
ORDER BY scraper_name`, now.UTC())
}

// UpdateScheduleLastRun stamps the run times after the scheduler enqueued a job.
func (s *Store) UpdateScheduleLastRun(ctx context.Context, scraperName string, lastRun, nextRun time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scraper_schedules SET last_run = $1, next_run = $2, updated_at = $3
WHERE scraper_name = $4`,
		lastRun.UTC(), nextRun.UTC(), s.now(), scraperName,
	)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", scraperName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update schedule %s: %w", scraperName, scrape.ErrScheduleNotFound)
	}
	return nil
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]scrape.Schedule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	out := []scrape.Schedule{}
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}
