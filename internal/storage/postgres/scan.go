package postgres

import (
	"time"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// nullable returns nil for the zero value so pgx writes NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intArg(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

const jobColumns = `id, scraper_name, status, priority, source, created_at, claimed_at, completed_at,
	worker_id, scrape_run_id, error_message, retry_count, max_retries`

func scanJob(row rowScanner) (scrape.Job, error) {
	var (
		job         scrape.Job
		status      string
		priority    int64
		createdAt   time.Time
		claimedAt   *time.Time
		completedAt *time.Time
		workerID    *string
		runID       *int64
		errMsg      *string
		retries     int64
		maxRetries  int64
	)
	if err := row.Scan(
		&job.ID,
		&job.ScraperName,
		&status,
		&priority,
		&job.Source,
		&createdAt,
		&claimedAt,
		&completedAt,
		&workerID,
		&runID,
		&errMsg,
		&retries,
		&maxRetries,
	); err != nil {
		return scrape.Job{}, err
	}
	job.Status = scrape.Status(status)
	job.Priority = int(priority)
	job.CreatedAt = createdAt.UTC()
	job.ClaimedAt = utcPtr(claimedAt)
	job.CompletedAt = utcPtr(completedAt)
	job.WorkerID = deref(workerID)
	job.ScrapeRunID = deref(runID)
	job.ErrorMessage = deref(errMsg)
	job.RetryCount = int(retries)
	job.MaxRetries = int(maxRetries)
	return job, nil
}

const runColumns = `id, scraper_name, status, started_at, completed_at, products_found, error_message, duration_seconds`

func scanRun(row rowScanner) (scrape.ScrapeRun, error) {
	var (
		run         scrape.ScrapeRun
		status      string
		startedAt   time.Time
		completedAt *time.Time
		products    *int64
		errMsg      *string
		duration    *float64
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
	run.Status = scrape.Status(status)
	run.StartedAt = startedAt.UTC()
	run.CompletedAt = utcPtr(completedAt)
	if products != nil {
		n := int(*products)
		run.ProductsFound = &n
	}
	run.ErrorMessage = deref(errMsg)
	run.DurationSeconds = duration
	return run, nil
}

const scheduleColumns = `scraper_name, enabled, interval_minutes, last_run, next_run, created_at, updated_at`

func scanSchedule(row rowScanner) (scrape.Schedule, error) {
	var (
		sched     scrape.Schedule
		interval  int64
		lastRun   *time.Time
		nextRun   *time.Time
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(
		&sched.ScraperName,
		&sched.Enabled,
		&interval,
		&lastRun,
		&nextRun,
		&createdAt,
		&updatedAt,
	); err != nil {
		return scrape.Schedule{}, err
	}
	sched.IntervalMinutes = int(interval)
	sched.LastRun = utcPtr(lastRun)
	sched.NextRun = utcPtr(nextRun)
	sched.CreatedAt = createdAt.UTC()
	sched.UpdatedAt = updatedAt.UTC()
	return sched, nil
}
