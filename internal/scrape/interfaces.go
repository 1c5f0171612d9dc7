package scrape

import (
	"context"
	"time"
)

// Queue is the atomic job queue shared by producers and workers.
type Queue interface {
	// Enqueue inserts a pending job and its paired scrape run.
	Enqueue(ctx context.Context, scraperName string, priority int, source string) (int64, error)
	// ClaimNext leases the most urgent pending job to workerID. When
	// maxRunning > 0 and that many jobs are already running, ok is false.
	ClaimNext(ctx context.Context, workerID string, maxRunning int) (job Job, ok bool, err error)
	// Complete records the terminal outcome of a job and its scrape run.
	Complete(ctx context.Context, jobID int64, c Completion) error
	// ReclaimStaleJobs requeues or fails jobs whose lease expired.
	ReclaimStaleJobs(ctx context.Context) (Reclaimed, error)
	QueueStatus(ctx context.Context) (QueueStatus, error)
	// PendingJobs lists pending jobs in claim order, optionally for one scraper.
	PendingJobs(ctx context.Context, scraperName string) ([]Job, error)
	IsScraperQueuedOrRunning(ctx context.Context, scraperName string) (bool, error)
	// ActiveJob returns the newest pending or running job for a scraper.
	ActiveJob(ctx context.Context, scraperName string) (Job, bool, error)
	Job(ctx context.Context, jobID int64) (Job, error)
}

// RunRecorder persists scrape run history, including ad-hoc runs.
type RunRecorder interface {
	CreateScrapeRun(ctx context.Context, scraperName string) (int64, error)
	CompleteScrapeRun(ctx context.Context, runID int64, c Completion) error
	ScrapeRun(ctx context.Context, runID int64) (ScrapeRun, error)
	ListScrapeRuns(ctx context.Context, filter RunFilter) ([]ScrapeRun, error)
	ScrapeRunStats(ctx context.Context) (RunStats, error)
}

// ScheduleStore reads and writes scraper schedules.
type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, scraperName string, enabled bool, intervalMinutes int) error
	Schedule(ctx context.Context, scraperName string) (Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	// DueSchedules returns enabled schedules whose next run is unset or <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, scraperName string, lastRun, nextRun time.Time) error
}

// SettingsStore holds runtime-tunable settings.
type SettingsStore interface {
	// ConcurrencyLimit returns the stored limit, or fallback when unset.
	ConcurrencyLimit(ctx context.Context, fallback int) (int, error)
	SetConcurrencyLimit(ctx context.Context, limit int) error
}

// ProductStore persists scraped products.
type ProductStore interface {
	SaveResults(ctx context.Context, result Result) (int, error)
	// ProductCount counts stored products for source, or all when source is empty.
	ProductCount(ctx context.Context, source string) (int, error)
}

// Store is the full durable store behind the queue.
type Store interface {
	Queue
	RunRecorder
	ScheduleStore
	SettingsStore
	ProductStore
	Ping(ctx context.Context) error
	ResetAll(ctx context.Context) (ResetCounts, error)
	Close() error
}

// Scraper is a pluggable unit of work.
type Scraper interface {
	Scrape(ctx context.Context) (Result, error)
}

// ScraperFunc adapts a function to the Scraper interface.
type ScraperFunc func(ctx context.Context) (Result, error)

// Scrape calls f.
func (f ScraperFunc) Scrape(ctx context.Context) (Result, error) {
	return f(ctx)
}

// Registry resolves scrapers by name.
type Registry interface {
	Lookup(name string) (Scraper, error)
	Names() []string
}

// ResultSink persists the output of a successful scrape.
type ResultSink interface {
	Save(ctx context.Context, result Result) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints identifiers such as worker ids.
type IDGenerator interface {
	NewID() (string, error)
}
