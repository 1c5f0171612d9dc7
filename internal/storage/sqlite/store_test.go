package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestBuildDSNUsesImmediateTransactions(t *testing.T) {
	t.Parallel()

	dsn := buildDSN("/tmp/q.db", 2*time.Second)
	require.Contains(t, dsn, "_txlock=immediate")
	require.Contains(t, dsn, "busy_timeout(2000)")
	require.Contains(t, dsn, "journal_mode(WAL)")
}

func TestConcurrencyLimitRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, nil)

	limit, err := store.ConcurrencyLimit(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 7, limit)

	require.NoError(t, store.SetConcurrencyLimit(ctx, 3))
	limit, err = store.ConcurrencyLimit(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 3, limit)

	require.NoError(t, store.SetConcurrencyLimit(ctx, 5))
	limit, err = store.ConcurrencyLimit(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 5, limit)

	require.ErrorIs(t, store.SetConcurrencyLimit(ctx, 0), scrape.ErrInvalidLimit)
}

func TestConcurrencyLimitFallsBackOnGarbage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, nil)
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO app_settings (key, value, updated_at) VALUES (?, 'lots', '')`, concurrencyLimitKey)
	require.NoError(t, err)

	limit, err := store.ConcurrencyLimit(ctx, 4)
	require.Error(t, err)
	require.Equal(t, 4, limit)
}

func TestSchedulesUpsertAndDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	store := newTestStore(t, clock)

	require.NoError(t, store.UpsertSchedule(ctx, "alpha", true, 60))
	require.NoError(t, store.UpsertSchedule(ctx, "beta", false, 30))
	require.Error(t, store.UpsertSchedule(ctx, "gamma", true, 0))

	due, err := store.DueSchedules(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "alpha", due[0].ScraperName)
	require.Nil(t, due[0].NextRun)

	now := clock.Now()
	require.NoError(t, store.UpdateScheduleLastRun(ctx, "alpha", now, now.Add(time.Hour)))

	due, err = store.DueSchedules(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Empty(t, due)
	due, err = store.DueSchedules(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	clock.Advance(time.Minute)
	require.NoError(t, store.UpsertSchedule(ctx, "alpha", true, 15))
	sched, err := store.Schedule(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, 15, sched.IntervalMinutes)
	require.NotNil(t, sched.LastRun, "upsert keeps the last run")
	require.True(t, sched.LastRun.Equal(now))
	require.True(t, sched.CreatedAt.Before(sched.UpdatedAt))

	all, err := store.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "alpha", all[0].ScraperName)
	require.False(t, all[1].Enabled)
}

func TestScheduleNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, nil)
	_, err := store.Schedule(ctx, "missing")
	require.ErrorIs(t, err, scrape.ErrScheduleNotFound)
	err = store.UpdateScheduleLastRun(ctx, "missing", time.Now(), time.Now())
	require.ErrorIs(t, err, scrape.ErrScheduleNotFound)
}

func TestAdHocScrapeRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	store := newTestStore(t, clock)

	okID, err := store.CreateScrapeRun(ctx, "shop")
	require.NoError(t, err)
	run, err := store.ScrapeRun(ctx, okID)
	require.NoError(t, err)
	require.Equal(t, scrape.StatusRunning, run.Status)

	clock.Advance(time.Second)
	badID, err := store.CreateScrapeRun(ctx, "shop")
	require.NoError(t, err)
	clock.Advance(time.Second)
	otherID, err := store.CreateScrapeRun(ctx, "other")
	require.NoError(t, err)

	require.NoError(t, store.CompleteScrapeRun(ctx, okID, scrape.Succeeded(4, time.Second)))
	require.NoError(t, store.CompleteScrapeRun(ctx, badID, scrape.Failed("nope", time.Second)))
	require.ErrorIs(t, store.CompleteScrapeRun(ctx, 999, scrape.Failed("x", 0)), scrape.ErrRunNotFound)

	runs, err := store.ListScrapeRuns(ctx, scrape.RunFilter{ScraperName: "shop"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, badID, runs[0].ID, "newest first")

	runs, err = store.ListScrapeRuns(ctx, scrape.RunFilter{Status: scrape.StatusRunning})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, otherID, runs[0].ID)

	runs, err = store.ListScrapeRuns(ctx, scrape.RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	stats, err := store.ScrapeRunStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 1, stats.Successful)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 1, stats.Running)
	require.Equal(t, 1, stats.RecentFailures)
	require.InDelta(t, 100.0/3, stats.SuccessRate, 1e-9)
}

func TestSaveResultsAndReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, newTestClock())

	price := 2.49
	n, err := store.SaveResults(ctx, scrape.Result{
		Source: "shop",
		Products: []scrape.Product{
			{Name: "Milk", Price: &price, Currency: "USD", ItemID: "m1"},
			{Name: "Bread"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var key string
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT product_key FROM products WHERE name = 'Milk'`).Scan(&key))
	require.Equal(t, "m1", key)

	count, err := store.ProductCount(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	_, err = store.Enqueue(ctx, "shop", 0, scrape.SourceManual)
	require.NoError(t, err)
	require.NoError(t, store.UpsertSchedule(ctx, "shop", true, 60))

	counts, err := store.ResetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts["job_queue"])
	require.Equal(t, int64(1), counts["scrape_runs"])
	require.Equal(t, int64(1), counts["scraper_schedules"])
	require.Equal(t, int64(2), counts["products"])

	status, err := store.QueueStatus(ctx)
	require.NoError(t, err)
	require.Zero(t, status.Total())
}

func TestSaveResultsRequiresSource(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, nil)
	_, err := store.SaveResults(context.Background(), scrape.Result{})
	require.Error(t, err)
}
