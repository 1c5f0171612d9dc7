package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// timeLayout is fixed width so lexical order on the TEXT column matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		// Rows written by other tools may carry RFC 3339 without fixed precision.
		t, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
		}
	}
	return t.UTC(), nil
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, scraper_name, status, priority, source, created_at, claimed_at, completed_at,
	worker_id, scrape_run_id, error_message, retry_count, max_retries`

func scanJob(row rowScanner) (scrape.Job, error) {
	var (
		job         scrape.Job
		status      string
		createdAt   string
		claimedAt   sql.NullString
		completedAt sql.NullString
		workerID    sql.NullString
		runID       sql.NullInt64
		errMsg      sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.ScraperName,
		&status,
		&job.Priority,
		&job.Source,
		&createdAt,
		&claimedAt,
		&completedAt,
		&workerID,
		&runID,
		&errMsg,
		&job.RetryCount,
		&job.MaxRetries,
	); err != nil {
		return scrape.Job{}, err
	}
	var err error
	job.Status = scrape.Status(status)
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return scrape.Job{}, err
	}
	if job.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return scrape.Job{}, err
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return scrape.Job{}, err
	}
	job.WorkerID = workerID.String
	job.ScrapeRunID = runID.Int64
	job.ErrorMessage = errMsg.String
	return job, nil
}

const runColumns = `id, scraper_name, status, started_at, completed_at, products_found, error_message, duration_seconds`

func scanRun(row rowScanner) (scrape.ScrapeRun, error) {
	var (
		run         scrape.ScrapeRun
		status      string
		startedAt   string
		completedAt sql.NullString
		products    sql.NullInt64
		errMsg      sql.NullString
		duration    sql.NullFloat64
	)
	if err := row.Scan(
		&run.ID,
		&run.ScraperName,
		&status,
		&startedAt,
		&completedAt,
		&products,
		&errMsg,
		&duration,
	); err != nil {
		return scrape.ScrapeRun{}, err
	}
	var err error
	run.Status = scrape.Status(status)
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return scrape.ScrapeRun{}, err
	}
	if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return scrape.ScrapeRun{}, err
	}
	if products.Valid {
		n := int(products.Int64)
		run.ProductsFound = &n
	}
	run.ErrorMessage = errMsg.String
	if duration.Valid {
		d := duration.Float64
		run.DurationSeconds = &d
	}
	return run, nil
}

const scheduleColumns = `scraper_name, enabled, interval_minutes, last_run, next_run, created_at, updated_at`

func scanSchedule(row rowScanner) (scrape.Schedule, error) {
	var (
		sched     scrape.Schedule
		enabled   int64
		lastRun   sql.NullString
		nextRun   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&sched.ScraperName,
		&enabled,
		&sched.IntervalMinutes,
		&lastRun,
		&nextRun,
		&createdAt,
		&updatedAt,
	); err != nil {
		return scrape.Schedule{}, err
	}
	var err error
	sched.Enabled = enabled != 0
	if sched.LastRun, err = parseNullTime(lastRun); err != nil {
		return scrape.Schedule{}, err
	}
	if sched.NextRun, err = parseNullTime(nextRun); err != nil {
		return scrape.Schedule{}, err
	}
	if sched.CreatedAt, err = parseTime(createdAt); err != nil {
		return scrape.Schedule{}, err
	}
	if sched.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return scrape.Schedule{}, err
	}
	return sched, nil
}
