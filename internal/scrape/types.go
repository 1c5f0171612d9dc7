// Package scrape defines the shared domain model for the scrape-job queue.
package scrape

import (
	"errors"
	"strings"
	"time"
)

// Status values shared by Job and ScrapeRun rows.
type Status string

// Supported lifecycle statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job sources recorded on enqueue.
const (
	SourceManual    = "manual"
	SourceCLI       = "cli"
	SourceScheduled = "scheduled"
	SourceAPI       = "api"
)

// DefaultMaxRetries is applied to newly enqueued jobs.
const DefaultMaxRetries = 3

// DefaultStaleTimeout is how long a running job may hold its lease.
const DefaultStaleTimeout = 30 * time.Minute

// Error messages recorded in job and run rows.
const (
	StaleJobMessage   = "Max retries exceeded (stale job)"
	NoProductsMessage = "No products found"
)

// Sentinel errors returned by stores and registries.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrRunNotFound      = errors.New("scrape run not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrUnknownScraper   = errors.New("unknown scraper")
	ErrInvalidLimit     = errors.New("concurrency limit must be >= 1")
)

// Job is a queued unit of scraper work along with its lease metadata.
type Job struct {
	ID           int64      `json:"id"`
	ScraperName  string     `json:"scraper_name"`
	Status       Status     `json:"status"`
	Priority     int        `json:"priority"`
	Source       string     `json:"source"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	WorkerID     string     `json:"worker_id,omitempty"`
	ScrapeRunID  int64      `json:"scrape_run_id"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
}

// ScrapeRun is the audit record of one execution attempt.
type ScrapeRun struct {
	ID              int64      `json:"id"`
	ScraperName     string     `json:"scraper_name"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ProductsFound   *int       `json:"products_found,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
}

// Schedule is a per-scraper recurrence policy read by the scheduler.
type Schedule struct {
	ScraperName     string     `json:"scraper_name"`
	Enabled         bool       `json:"enabled"`
	IntervalMinutes int        `json:"interval_minutes"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// QueueStatus holds job counts per status.
type QueueStatus struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total sums all status buckets.
func (q QueueStatus) Total() int {
	return q.Pending + q.Running + q.Completed + q.Failed
}

// Add increments the bucket for status. Unknown statuses are ignored.
func (q *QueueStatus) Add(status Status, n int) {
	switch status {
	case StatusPending:
		q.Pending += n
	case StatusRunning:
		q.Running += n
	case StatusCompleted:
		q.Completed += n
	case StatusFailed:
		q.Failed += n
	}
}

// Completion carries the outcome written to a Job and its ScrapeRun.
type Completion struct {
	Success         bool
	ProductsFound   *int
	ErrorMessage    string
	DurationSeconds *float64
}

// Status maps the completion to the terminal status it records.
func (c Completion) Status() Status {
	if c.Success {
		return StatusCompleted
	}
	return StatusFailed
}

// Succeeded builds a successful completion.
func Succeeded(products int, duration time.Duration) Completion {
	secs := duration.Seconds()
	return Completion{Success: true, ProductsFound: &products, DurationSeconds: &secs}
}

// Failed builds a failed completion.
func Failed(msg string, duration time.Duration) Completion {
	secs := duration.Seconds()
	return Completion{ErrorMessage: msg, DurationSeconds: &secs}
}

// Reclaimed reports the outcome of a stale-lease sweep.
type Reclaimed struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// Count is the total number of jobs the sweep touched.
func (r Reclaimed) Count() int {
	return r.Requeued + r.Failed
}

// RunFilter narrows ListScrapeRuns.
type RunFilter struct {
	ScraperName string
	Status      Status
	Limit       int
}

// DefaultRunLimit bounds ListScrapeRuns when no limit is given.
const DefaultRunLimit = 100

// RunStats summarizes scrape run history.
type RunStats struct {
	Total          int     `json:"total"`
	Successful     int     `json:"successful"`
	Failed         int     `json:"failed"`
	Running        int     `json:"running"`
	RecentFailures int     `json:"recent_failures"`
	SuccessRate    float64 `json:"success_rate"`
}

// ResetCounts reports rows deleted by ResetAll, keyed by table.
type ResetCounts map[string]int64

// Product is one extracted catalog entry.
type Product struct {
	Name     string   `json:"name"`
	Price    *float64 `json:"price,omitempty"`
	Currency string   `json:"currency,omitempty"`
	URL      string   `json:"url,omitempty"`
	ItemID   string   `json:"item_id,omitempty"`
}

// Result is what a scraper returns on success.
type Result struct {
	Source    string    `json:"source"`
	ScrapedAt time.Time `json:"scraped_at"`
	Products  []Product `json:"products"`
}

// ProductKey returns a stable identity for p across scrapes: the first
// non-empty of item id, url and name. Placeholder values are skipped.
func ProductKey(p Product) string {
	for _, v := range []string{p.ItemID, p.URL, p.Name} {
		cleaned := strings.TrimSpace(v)
		switch strings.ToLower(cleaned) {
		case "", "none", "null":
			continue
		}
		return cleaned
	}
	return ""
}
