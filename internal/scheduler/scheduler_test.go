package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/progress"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type enqueueCall struct {
	name     string
	priority int
	source   string
}

type fakeStore struct {
	mu        sync.Mutex
	schedules map[string]scrape.Schedule
	active    map[string]bool
	enqueued  []enqueueCall
	enqErr    map[string]error
	dueErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schedules: make(map[string]scrape.Schedule),
		active:    make(map[string]bool),
		enqErr:    make(map[string]error),
	}
}

func (f *fakeStore) UpsertSchedule(_ context.Context, name string, enabled bool, interval int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if interval < 1 {
		return errors.New("interval must be positive")
	}
	s := f.schedules[name]
	s.ScraperName, s.Enabled, s.IntervalMinutes = name, enabled, interval
	f.schedules[name] = s
	return nil
}

func (f *fakeStore) Schedule(_ context.Context, name string) (scrape.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[name]
	if !ok {
		return scrape.Schedule{}, scrape.ErrScheduleNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSchedules(context.Context) ([]scrape.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scrape.Schedule, 0, len(f.schedules))
	for _, s := range f.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScraperName < out[j].ScraperName })
	return out, nil
}

func (f *fakeStore) DueSchedules(_ context.Context, now time.Time) ([]scrape.Schedule, error) {
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	all, _ := f.ListSchedules(context.Background())
	var due []scrape.Schedule
	for _, s := range all {
		if s.Enabled && (s.NextRun == nil || !s.NextRun.After(now)) {
			due = append(due, s)
		}
	}
	return due, nil
}

func (f *fakeStore) UpdateScheduleLastRun(_ context.Context, name string, last, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[name]
	if !ok {
		return scrape.ErrScheduleNotFound
	}
	s.LastRun, s.NextRun = &last, &next
	f.schedules[name] = s
	return nil
}

func (f *fakeStore) Enqueue(_ context.Context, name string, priority int, source string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enqErr[name]; err != nil {
		return 0, err
	}
	f.enqueued = append(f.enqueued, enqueueCall{name, priority, source})
	f.active[name] = true
	return int64(len(f.enqueued)), nil
}

func (f *fakeStore) IsScraperQueuedOrRunning(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[name], nil
}

func (f *fakeStore) calls() []enqueueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueueCall(nil), f.enqueued...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func newTestScheduler(t *testing.T, store *fakeStore, em progress.Emitter) *Scheduler {
	t.Helper()
	s, err := New(Config{CheckInterval: time.Hour, Priority: 5}, store, fixedClock{testNow}, em, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil, nil)
	require.Error(t, err)

	s, err := New(Config{}, newFakeStore(), nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultCheckInterval, s.cfg.CheckInterval)
}

func TestRunOnceEnqueuesDueSchedules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	em := &recordingEmitter{}
	s := newTestScheduler(t, store, em)
	require.NoError(t, s.SeedSchedules(ctx, []Seed{
		{Scraper: "alpha", Enabled: true, IntervalMinutes: 30},
		{Scraper: "beta", Enabled: false, IntervalMinutes: 30},
		{Scraper: "gamma", Enabled: true, IntervalMinutes: 60},
	}))
	store.active["gamma"] = true

	got, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha"}, got)
	require.Equal(t, []enqueueCall{{"alpha", 5, scrape.SourceScheduled}}, store.calls())

	sched, err := store.Schedule(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, sched.LastRun.Equal(testNow))
	require.True(t, sched.NextRun.Equal(testNow.Add(30*time.Minute)))

	gamma, err := store.Schedule(ctx, "gamma")
	require.NoError(t, err)
	require.Nil(t, gamma.LastRun, "skipped schedules keep their next run")

	require.Len(t, em.events, 1)
	require.Equal(t, progress.StageJobEnqueued, em.events[0].Stage)
	require.Equal(t, "alpha", em.events[0].Scraper)

	got, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, got, "alpha is no longer due")
}

func TestRunOnceContinuesPastEnqueueFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	s := newTestScheduler(t, store, nil)
	require.NoError(t, s.SeedSchedules(ctx, []Seed{
		{Scraper: "alpha", Enabled: true, IntervalMinutes: 10},
		{Scraper: "beta", Enabled: true, IntervalMinutes: 10},
	}))
	store.enqErr["alpha"] = errors.New("database is locked")

	got, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"beta"}, got)

	alpha, err := store.Schedule(ctx, "alpha")
	require.NoError(t, err)
	require.Nil(t, alpha.NextRun, "failed enqueue stays due")
}

func TestRunOnceReportsStoreFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.dueErr = errors.New("no such table")
	s := newTestScheduler(t, store, nil)
	_, err := s.RunOnce(context.Background())
	require.ErrorContains(t, err, "no such table")
}

func TestSeedSchedulesRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, newFakeStore(), nil)
	err := s.SeedSchedules(context.Background(), []Seed{{Scraper: "alpha", Enabled: true}})
	require.ErrorContains(t, err, `seed schedule "alpha"`)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	s := newTestScheduler(t, store, nil)
	require.NoError(t, s.SeedSchedules(ctx, []Seed{{Scraper: "alpha", Enabled: true, IntervalMinutes: 5}}))

	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx), "double start")
	require.Len(t, store.calls(), 1)

	st := s.Status(ctx)
	require.True(t, st.Running)
	require.Equal(t, 1, st.Total)
	require.Equal(t, 1, st.Enabled)
	require.Equal(t, "1h0m0s", st.CheckInterval)
	require.Equal(t, []string{"alpha"}, st.LastEnqueued)
	require.True(t, st.LastPass.Equal(testNow))

	s.Stop()
	require.False(t, s.Status(ctx).Running)
	s.Stop()
}

func TestStartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := newTestScheduler(t, newFakeStore(), nil)
	require.NoError(t, s.Start(ctx))
	cancel()
	require.Eventually(t, func() bool {
		return !s.Status(context.Background()).Running
	}, 2*time.Second, 10*time.Millisecond)
}
