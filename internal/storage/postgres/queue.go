package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

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
	now := s.now()
	var jobID int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var runID int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO scrape_runs (scraper_name, status, started_at) VALUES ($1, 'pending', $2) RETURNING id`,
			scraperName, now,
		).Scan(&runID); err != nil {
			return fmt.Errorf("insert scrape run: %w", err)
		}
		if err := tx.QueryRow(ctx, `
INSERT INTO job_queue (scraper_name, status, priority, source, created_at, scrape_run_id, max_retries)
VALUES ($1, 'pending', $2, $3, $4, $5, $6)
RETURNING id`,
			scraperName, priority, source, now, runID, s.maxRetries,
		).Scan(&jobID); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return jobID, nil
}

// ClaimNext leases the highest-priority, oldest pending job. Every claim
// takes a transaction-scoped advisory lock first, so a capped caller's
// running count cannot be raced past by any other claimer, capped or not.
// maxRunning <= 0 skips the count.
func (s *Store) ClaimNext(ctx context.Context, workerID string, maxRunning int) (scrape.Job, bool, error) {
	var (
		job     scrape.Job
		claimed bool
	)
	now := s.now()
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockKey); err != nil {
			return fmt.Errorf("claim lock: %w", err)
		}
		if maxRunning > 0 {
			var running int64
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM job_queue WHERE status = 'running'`,
			).Scan(&running); err != nil {
				return fmt.Errorf("count running jobs: %w", err)
			}
			if running >= int64(maxRunning) {
				return nil
			}
		}
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `
UPDATE job_queue
SET status = 'running', claimed_at = $1, worker_id = $2
WHERE id = (
	SELECT id FROM job_queue
	WHERE status = 'pending'
	ORDER BY priority DESC, created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, now, workerID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE scrape_runs SET status = 'running', started_at = $1 WHERE id = $2`,
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
func (s *Store) Complete(ctx context.Context, jobID int64, c scrape.Completion) error {
	now := s.now()
	status := string(c.Status())
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var runID *int64
		err := tx.QueryRow(ctx, `
UPDATE job_queue SET status = $1, completed_at = $2, error_message = $3
WHERE id = $4
RETURNING scrape_run_id`,
			status, now, nullable(c.ErrorMessage), jobID,
		).Scan(&runID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("complete job %d: %w", jobID, scrape.ErrJobNotFound)
		}
		if err != nil {
			return fmt.Errorf("complete job %d: %w", jobID, err)
		}
		if runID == nil {
			return nil
		}
		return s.completeRun(ctx, tx, *runID, status, c)
	})
}

func (s *Store) completeRun(ctx context.Context, q querier, runID int64, status string, c scrape.Completion) error {
	tag, err := q.Exec(ctx, `
UPDATE scrape_runs
SET status = $1, completed_at = $2, products_found = $3, error_message = $4, duration_seconds = $5
WHERE id = $6`,
		status, s.now(), intArg(c.ProductsFound), nullable(c.ErrorMessage), floatArg(c.DurationSeconds), runID,
	)
	if err != nil {
		return fmt.Errorf("complete scrape run %d: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete scrape run %d: %w", runID, scrape.ErrRunNotFound)
	}
	return nil
}

// ReclaimStaleJobs sweeps jobs whose lease is older than the stale timeout.
// Jobs with retries left go back to pending; the rest fail.
func (s *Store) ReclaimStaleJobs(ctx context.Context) (scrape.Reclaimed, error) {
	var out scrape.Reclaimed
	now := s.now()
	cutoff := now.Add(-s.staleTimeout)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		requeued, err := collectRunIDs(tx.Query(ctx, `
UPDATE job_queue
SET status = 'pending', claimed_at = NULL, worker_id = NULL, retry_count = retry_count + 1
WHERE status = 'running' AND claimed_at < $1 AND retry_count < max_retries
RETURNING scrape_run_id`, cutoff))
		if err != nil {
			return fmt.Errorf("requeue stale jobs: %w", err)
		}
		if len(requeued) > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE scrape_runs SET status = 'pending' WHERE id = ANY($1)`, requeued,
			); err != nil {
				return fmt.Errorf("reset scrape runs: %w", err)
			}
		}

		exhausted, err := collectRunIDs(tx.Query(ctx, `
UPDATE job_queue
SET status = 'failed', error_message = $1, completed_at = $2
WHERE status = 'running' AND claimed_at < $3 AND retry_count >= max_retries
RETURNING scrape_run_id`, scrape.StaleJobMessage, now, cutoff))
		if err != nil {
			return fmt.Errorf("fail stale jobs: %w", err)
		}
		if len(exhausted) > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE scrape_runs SET status = 'failed', error_message = $1, completed_at = $2 WHERE id = ANY($3)`,
				scrape.StaleJobMessage, now, exhausted,
			); err != nil {
				return fmt.Errorf("fail scrape runs: %w", err)
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

func collectRunIDs(rows pgx.Rows, err error) ([]int64, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id *int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id != nil {
			ids = append(ids, *id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// QueueStatus returns per-status job counts from a single aggregate query.
func (s *Store) QueueStatus(ctx context.Context) (scrape.QueueStatus, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return scrape.QueueStatus{}, fmt.Errorf("queue status: %w", err)
	}
	defer rows.Close()
	var qs scrape.QueueStatus
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return scrape.QueueStatus{}, fmt.Errorf("scan queue status: %w", err)
		}
		qs.Add(scrape.Status(status), int(count))
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
		query += ` AND scraper_name = $1`
		args = append(args, scraperName)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	return s.queryJobs(ctx, query, args...)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]scrape.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	jobs := []scrape.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return jobs, nil
}

// IsScraperQueuedOrRunning reports whether a pending or running job exists for scraperName.
func (s *Store) IsScraperQueuedOrRunning(ctx context.Context, scraperName string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_queue WHERE scraper_name = $1 AND status IN ('pending', 'running'))`,
		scraperName,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("active job lookup: %w", err)
	}
	return exists, nil
}

// ActiveJob returns the newest pending or running job for scraperName.
func (s *Store) ActiveJob(ctx context.Context, scraperName string) (scrape.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM job_queue
WHERE scraper_name = $1 AND status IN ('pending', 'running')
ORDER BY created_at DESC, id DESC
LIMIT 1`, scraperName))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, false, nil
	}
	if err != nil {
		return scrape.Job{}, false, fmt.Errorf("active job: %w", err)
	}
	return job, true, nil
}

// Job loads a single job by id.
func (s *Store) Job(ctx context.Context, jobID int64) (scrape.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, jobID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("job %d: %w", jobID, scrape.ErrJobNotFound)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("job %d: %w", jobID, err)
	}
	return job, nil
}
