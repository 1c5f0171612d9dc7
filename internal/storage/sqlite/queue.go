package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// Enqueue inserts a pending scrape run and the job that references it.
func (s *Store) Enqueue(ctx context.Context, scraperName string, priority int, source string) (int64, error) {
	if scraperName == "" {
		return 0, fmt.Errorf("scraper name is required")
	}
	if source == "" {
		source = scrape.SourceManual
	}
	now := formatTime(s.now())
	var jobID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO scrape_runs (scraper_name, status, started_at) VALUES (?, 'pending', ?)`,
			scraperName, now,
		)
		if err != nil {
			return fmt.Errorf("insert scrape run: %w", err)
		}
		runID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("scrape run id: %w", err)
		}
		res, err = tx.ExecContext(ctx, `
INSERT INTO job_queue (scraper_name, status, priority, source, created_at, scrape_run_id, max_retries)
VALUES (?, 'pending', ?, ?, ?, ?, ?)`,
			scraperName, priority, source, now, runID, s.maxRetries,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		jobID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("job id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return jobID, nil
}

// ClaimNext leases the highest-priority, oldest pending job. The running-count
// check and the update share one IMMEDIATE transaction, so the cap holds
// across processes sharing the file.
func (s *Store) ClaimNext(ctx context.Context, workerID string, maxRunning int) (scrape.Job, bool, error) {
	var (
		job     scrape.Job
		claimed bool
	)
	now := formatTime(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if maxRunning > 0 {
			var running int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM job_queue WHERE status = 'running'`,
			).Scan(&running); err != nil {
				return fmt.Errorf("count running jobs: %w", err)
			}
			if running >= maxRunning {
				return nil
			}
		}
		row := tx.QueryRowContext(ctx, `
UPDATE job_queue
SET status = 'running', claimed_at = ?, worker_id = ?
WHERE id = (
	SELECT id FROM job_queue
	WHERE status = 'pending'
	ORDER BY priority DESC, created_at ASC, id ASC
	LIMIT 1
)
RETURNING `+jobColumns, now, workerID)
		var err error
		job, err = scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE scrape_runs SET status = 'running', started_at = ? WHERE id = ?`,
			now, job.ScrapeRunID,
		); err != nil {
			return fmt.Errorf("mark scrape run running: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return scrape.Job{}, false, err
	}
	return job, claimed, nil
}

// Complete writes the terminal outcome into the job and its scrape run.
// retry_count is left untouched.
func (s *Store) Complete(ctx context.Context, jobID int64, c scrape.Completion) error {
	now := formatTime(s.now())
	status := string(c.Status())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var runID sql.NullInt64
		err := tx.QueryRowContext(ctx, `
UPDATE job_queue SET status = ?, completed_at = ?, error_message = ?
WHERE id = ?
RETURNING scrape_run_id`,
			status, now, nullString(c.ErrorMessage), jobID,
		).Scan(&runID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("complete job %d: %w", jobID, scrape.ErrJobNotFound)
		}
		if err != nil {
			return fmt.Errorf("complete job %d: %w", jobID, err)
		}
		if !runID.Valid {
			return nil
		}
		if err := completeRun(ctx, tx, runID.Int64, status, now, c); err != nil {
			return err
		}
		return nil
	})
}

func completeRun(ctx context.Context, tx *sql.Tx, runID int64, status, now string, c scrape.Completion) error {
	res, err := tx.ExecContext(ctx, `
UPDATE scrape_runs
SET status = ?, completed_at = ?, products_found = ?, error_message = ?, duration_seconds = ?
WHERE id = ?`,
		status, now, nullInt(c.ProductsFound), nullString(c.ErrorMessage), nullFloat(c.DurationSeconds), runID,
	)
	if err != nil {
		return fmt.Errorf("complete scrape run %d: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete scrape run %d: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("complete scrape run %d: %w", runID, scrape.ErrRunNotFound)
	}
	return nil
}

// ReclaimStaleJobs sweeps jobs whose lease is older than the stale timeout.
// Jobs with retries left go back to pending; the rest fail. Scrape run
// updates are limited to the rows touched by this sweep.
func (s *Store) ReclaimStaleJobs(ctx context.Context) (scrape.Reclaimed, error) {
	var out scrape.Reclaimed
	now := s.now()
	cutoff := formatTime(now.Add(-s.staleTimeout))
	stamp := formatTime(now)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		requeued, err := collectRunIDs(tx.QueryContext(ctx, `
UPDATE job_queue
SET status = 'pending', claimed_at = NULL, worker_id = NULL, retry_count = retry_count + 1
WHERE status = 'running' AND claimed_at < ? AND retry_count < max_retries
RETURNING scrape_run_id`, cutoff))
		if err != nil {
			return fmt.Errorf("requeue stale jobs: %w", err)
		}
		for _, runID := range requeued {
			if _, err := tx.ExecContext(ctx,
				`UPDATE scrape_runs SET status = 'pending' WHERE id = ?`, runID,
			); err != nil {
				return fmt.Errorf("reset scrape run %d: %w", runID, err)
			}
		}

		exhausted, err := collectRunIDs(tx.QueryContext(ctx, `
UPDATE job_queue
SET status = 'failed', error_message = ?, completed_at = ?
WHERE status = 'running' AND claimed_at < ? AND retry_count >= max_retries
RETURNING scrape_run_id`, scrape.StaleJobMessage, stamp, cutoff))
		if err != nil {
			return fmt.Errorf("fail stale jobs: %w", err)
		}
		for _, runID := range exhausted {
			if _, err := tx.ExecContext(ctx,
				`UPDATE scrape_runs SET status = 'failed', error_message = ?, completed_at = ? WHERE id = ?`,
				scrape.StaleJobMessage, stamp, runID,
			); err != nil {
				return fmt.Errorf("fail scrape run %d: %w", runID, err)
			}
		}
		out = scrape.Reclaimed{Requeued: len(requeued), Failed: len(exhausted)}
		return nil
	})
	if err != nil {
		return scrape.Reclaimed{}, err
	}
	return out, nil
}

// collectRunIDs drains a RETURNING scrape_run_id cursor before the
// transaction is reused.
func collectRunIDs(rows *sql.Rows, err error) ([]int64, error) {
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id sql.NullInt64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id.Valid {
			ids = append(ids, id.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// QueueStatus returns per-status job counts from a single aggregate query.
func (s *Store) QueueStatus(ctx context.Context) (scrape.QueueStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return scrape.QueueStatus{}, fmt.Errorf("queue status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var qs scrape.QueueStatus
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return scrape.QueueStatus{}, fmt.Errorf("scan queue status: %w", err)
		}
		qs.Add(scrape.Status(status), count)
	}
	if err := rows.Err(); err != nil {
		return scrape.QueueStatus{}, fmt.Errorf("queue status rows: %w", err)
	}
	return qs, nil
}

// PendingJobs lists pending jobs in claim order.
func (s *Store) PendingJobs(ctx context.Context, scraperName string) ([]scrape.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue WHERE status = 'pending'`
	var args []any
	if scraperName != "" {
		query += ` AND scraper_name = ?`
		args = append(args, scraperName)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	jobs := []scrape.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending job rows: %w", err)
	}
	return jobs, nil
}

// IsScraperQueuedOrRunning reports whether a pending or running job exists for scraperName.
func (s *Store) IsScraperQueuedOrRunning(ctx context.Context, scraperName string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_queue WHERE scraper_name = ? AND status IN ('pending', 'running')`,
		scraperName,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("active job count: %w", err)
	}
	return n > 0, nil
}

// ActiveJob returns the newest pending or running job for scraperName.
func (s *Store) ActiveJob(ctx context.Context, scraperName string) (scrape.Job, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM job_queue
WHERE scraper_name = ? AND status IN ('pending', 'running')
ORDER BY created_at DESC, id DESC
LIMIT 1`, scraperName))
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.Job{}, false, nil
	}
	if err != nil {
		return scrape.Job{}, false, fmt.Errorf("active job: %w", err)
	}
	return job, true, nil
}

// Job loads a single job by id.
func (s *Store) Job(ctx context.Context, jobID int64) (scrape.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = ?`, jobID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("job %d: %w", jobID, scrape.ErrJobNotFound)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("job %d: %w", jobID, err)
	}
	return job, nil
}
