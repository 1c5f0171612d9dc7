package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// UpsertSchedule creates or updates the schedule for scraperName. Timestamps
// of past runs are preserved on update.
func (s *Store) UpsertSchedule(ctx context.Context, scraperName string, enabled bool, intervalMinutes int) error {
	if scraperName == "" {
		return fmt.Errorf("scraper name is required")
	}
	if intervalMinutes <= 0 {
		return fmt.Errorf("interval_minutes must be > 0")
	}
	now := formatTime(s.now())
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO scraper_schedules (scraper_name, enabled, interval_minutes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (scraper_name) DO UPDATE SET
	enabled = excluded.enabled,
	interval_minutes = excluded.interval_minutes,
	updated_at = excluded.updated_at`,
		scraperName, boolInt(enabled), intervalMinutes, now, now,
	); err != nil {
		return fmt.Errorf("upsert schedule %s: %w", scraperName, err)
	}
	return nil
}

// Schedule loads the schedule for scraperName.
func (s *Store) Schedule(ctx context.Context, scraperName string) (scrape.Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM scraper_schedules WHERE scraper_name = ?`, scraperName,
	))
	if errors.Is(err, sql.ErrNoRows) {
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
WHERE enabled = 1 AND (next_run IS NULL OR next_run <= ?)
ORDER BY scraper_name`, formatTime(now))
}

// UpdateScheduleLastRun stamps the run times after the scheduler enqueued a job.
func (s *Store) UpdateScheduleLastRun(ctx context.Context, scraperName string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scraper_schedules SET last_run = ?, next_run = ?, updated_at = ?
WHERE scraper_name = ?`,
		formatTime(lastRun), formatTime(nextRun), formatTime(s.now()), scraperName,
	)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", scraperName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", scraperName, err)
	}
	if n == 0 {
		return fmt.Errorf("update schedule %s: %w", scraperName, scrape.ErrScheduleNotFound)
	}
	return nil
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]scrape.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
