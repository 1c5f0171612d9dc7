package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrapeq/internal/progress"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// fakeQueue implements scrape.Queue and scrape.SettingsStore in memory.
type fakeQueue struct {
	mu        sync.Mutex
	nextID    int64
	pending   []scrape.Job
	running   map[int64]scrape.Job
	completed map[int64]scrape.Completion
	limit     int
	stale     int32
	claimErr  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		running:   make(map[int64]scrape.Job),
		completed: make(map[int64]scrape.Completion),
	}
}

func (q *fakeQueue) add(name string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.pending = append(q.pending, scrape.Job{
		ID:          q.nextID,
		ScraperName: name,
		Status:      scrape.StatusPending,
		Source:      scrape.SourceManual,
		ScrapeRunID: q.nextID + 100,
	})
	return q.nextID
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, _ int, _ string) (int64, error) {
	return q.add(name), nil
}

func (q *fakeQueue) ClaimNext(_ context.Context, workerID string, maxRunning int) (scrape.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return scrape.Job{}, false, q.claimErr
	}
	if maxRunning > 0 && len(q.running) >= maxRunning {
		return scrape.Job{}, false, nil
	}
	if len(q.pending) == 0 {
		return scrape.Job{}, false, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.Status = scrape.StatusRunning
	job.WorkerID = workerID
	q.running[job.ID] = job
	return job, true, nil
}

func (q *fakeQueue) Complete(_ context.Context, jobID int64, c scrape.Completion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.running[jobID]; !ok {
		return scrape.ErrJobNotFound
	}
	delete(q.running, jobID)
	q.completed[jobID] = c
	return nil
}

func (q *fakeQueue) ReclaimStaleJobs(context.Context) (scrape.Reclaimed, error) {
	atomic.AddInt32(&q.stale, 1)
	return scrape.Reclaimed{}, nil
}

func (q *fakeQueue) QueueStatus(context.Context) (scrape.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var qs scrape.QueueStatus
	qs.Add(scrape.StatusPending, len(q.pending))
	qs.Add(scrape.StatusRunning, len(q.running))
	for _, c := range q.completed {
		qs.Add(c.Status(), 1)
	}
	return qs, nil
}

func (q *fakeQueue) PendingJobs(context.Context, string) ([]scrape.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]scrape.Job(nil), q.pending...), nil
}

func (q *fakeQueue) IsScraperQueuedOrRunning(context.Context, string) (bool, error) {
	return false, nil
}

func (q *fakeQueue) ActiveJob(context.Context, string) (scrape.Job, bool, error) {
	return scrape.Job{}, false, nil
}

func (q *fakeQueue) Job(_ context.Context, id int64) (scrape.Job, error) {
	return scrape.Job{ID: id}, nil
}

func (q *fakeQueue) ConcurrencyLimit(_ context.Context, fallback int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit == 0 {
		return fallback, nil
	}
	return q.limit, nil
}

func (q *fakeQueue) SetConcurrencyLimit(_ context.Context, limit int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = limit
	return nil
}

func (q *fakeQueue) completion(id int64) (scrape.Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.completed[id]
	return c, ok
}

func (q *fakeQueue) completedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

type fakeRegistry map[string]scrape.Scraper

func (r fakeRegistry) Lookup(name string) (scrape.Scraper, error) {
	s, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scrape.ErrUnknownScraper, name)
	}
	return s, nil
}

func (r fakeRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	return names
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

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type fakeSink struct {
	err   error
	saved atomic.Int32
}

func (s *fakeSink) Save(context.Context, scrape.Result) error {
	s.saved.Add(1)
	return s.err
}

func products(n int) scrape.Result {
	res := scrape.Result{Source: "shop"}
	for i := 0; i < n; i++ {
		res.Products = append(res.Products, scrape.Product{Name: fmt.Sprintf("item-%d", i)})
	}
	return res
}

func staticScraper(res scrape.Result, err error) scrape.Scraper {
	return scrape.ScraperFunc(func(context.Context) (scrape.Result, error) {
		return res, err
	})
}

type harness struct {
	queue   *fakeQueue
	emitter *recordingEmitter
	sink    *fakeSink
	worker  *Worker
}

func newHarness(t *testing.T, cfg Config, reg fakeRegistry) *harness {
	t.Helper()
	h := &harness{
		queue:   newFakeQueue(),
		emitter: &recordingEmitter{},
		sink:    &fakeSink{},
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-test"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	w, err := New(cfg, Deps{
		Queue:    h.queue,
		Settings: h.queue,
		Registry: reg,
		Sink:     h.sink,
		Emitter:  h.emitter,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	h.worker = w
	return h
}

// start runs the worker until the returned stop func is called.
func (h *harness) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	_, err := New(Config{WorkerID: "w"}, Deps{Settings: q, Registry: fakeRegistry{}})
	require.Error(t, err)
	_, err = New(Config{WorkerID: "w"}, Deps{Queue: q, Registry: fakeRegistry{}})
	require.Error(t, err)
	_, err = New(Config{WorkerID: "w"}, Deps{Queue: q, Settings: q})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Queue: q, Settings: q, Registry: fakeRegistry{}})
	require.Error(t, err, "worker id must come from config or generator")

	w, err := New(Config{WorkerID: "w"}, Deps{Queue: q, Settings: q, Registry: fakeRegistry{}})
	require.NoError(t, err)
	require.Equal(t, DefaultPollInterval, w.cfg.PollInterval)
	require.Equal(t, DefaultStaleCheckInterval, w.cfg.StaleCheckInterval)
	require.Equal(t, DefaultMaxConcurrentJobs, w.cfg.MaxConcurrentJobs)
}

type staticIDs string

func (s staticIDs) NewID() (string, error) { return string(s), nil }

func TestNewGeneratesWorkerID(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	w, err := New(Config{}, Deps{Queue: q, Settings: q, Registry: fakeRegistry{}, IDs: staticIDs("worker-abc")})
	require.NoError(t, err)
	require.Equal(t, "worker-abc", w.ID())
}

func TestWorkerCompletesSuccessfulJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, fakeRegistry{"shop": staticScraper(products(3), nil)})
	id := h.queue.add("shop")
	stop := h.start(t)

	require.Eventually(t, func() bool {
		_, ok := h.queue.completion(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	c, _ := h.queue.completion(id)
	require.True(t, c.Success)
	require.NotNil(t, c.ProductsFound)
	require.Equal(t, 3, *c.ProductsFound)
	require.NotNil(t, c.DurationSeconds)
	require.Equal(t, int32(1), h.sink.saved.Load())
	require.Contains(t, h.emitter.stages(), progress.StageJobClaimed)
	require.Contains(t, h.emitter.stages(), progress.StageJobDone)
	require.Equal(t, StateStopped, h.worker.Status(context.Background()).State)
}

func TestWorkerFailsJobs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		scraper scrape.Scraper
		sinkErr error
		wantMsg string
	}{
		{
			name:    "no products",
			scraper: staticScraper(products(0), nil),
			wantMsg: scrape.NoProductsMessage,
		},
		{
			name:    "scraper error",
			scraper: staticScraper(scrape.Result{}, errors.New("upstream 503")),
			wantMsg: "upstream 503",
		},
		{
			name: "panic",
			scraper: scrape.ScraperFunc(func(context.Context) (scrape.Result, error) {
				panic("boom")
			}),
			wantMsg: "scraper shop panicked: boom",
		},
		{
			name:    "sink failure",
			scraper: staticScraper(products(2), nil),
			sinkErr: errors.New("disk full"),
			wantMsg: "disk full",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Config{}, fakeRegistry{"shop": tc.scraper})
			h.sink.err = tc.sinkErr
			id := h.queue.add("shop")
			stop := h.start(t)
			require.Eventually(t, func() bool {
				_, ok := h.queue.completion(id)
				return ok
			}, 2*time.Second, 5*time.Millisecond)
			stop()

			c, _ := h.queue.completion(id)
			require.False(t, c.Success)
			require.Equal(t, tc.wantMsg, c.ErrorMessage)
			require.Contains(t, h.emitter.stages(), progress.StageJobFailed)
		})
	}
}

func TestWorkerFailsUnknownScraper(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, fakeRegistry{})
	id := h.queue.add("ghost")
	stop := h.start(t)
	require.Eventually(t, func() bool {
		_, ok := h.queue.completion(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	c, _ := h.queue.completion(id)
	require.False(t, c.Success)
	require.Contains(t, c.ErrorMessage, "unknown scraper")
}

func TestWorkerRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var current, peak atomic.Int32
	blocking := scrape.ScraperFunc(func(context.Context) (scrape.Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return products(1), nil
	})

	h := newHarness(t, Config{MaxConcurrentJobs: 10}, fakeRegistry{"shop": blocking})
	require.NoError(t, h.queue.SetConcurrencyLimit(context.Background(), 2))
	for i := 0; i < 5; i++ {
		h.queue.add("shop")
	}
	stop := h.start(t)

	require.Eventually(t, func() bool { return current.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), current.Load())

	st := h.worker.Status(context.Background())
	require.True(t, st.Running)
	require.Equal(t, 2, st.Limit)
	require.Equal(t, 2, st.InFlightCount)
	require.Len(t, st.InFlightJobs, 2)
	require.Equal(t, 3, st.Queue.Pending)

	close(release)
	require.Eventually(t, func() bool { return h.queue.completedCount() == 5 }, 2*time.Second, 5*time.Millisecond)
	stop()
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkerPicksUpLimitChange(t *testing.T) {
	t.Parallel()

	release := make(chan struct{}, 6)
	var current atomic.Int32
	blocking := scrape.ScraperFunc(func(context.Context) (scrape.Result, error) {
		current.Add(1)
		<-release
		current.Add(-1)
		return products(1), nil
	})

	h := newHarness(t, Config{MaxConcurrentJobs: 10}, fakeRegistry{"shop": blocking})
	ctx := context.Background()
	require.NoError(t, h.queue.SetConcurrencyLimit(ctx, 1))
	for i := 0; i < 6; i++ {
		h.queue.add("shop")
	}
	stop := h.start(t)
	defer stop()

	require.Eventually(t, func() bool { return current.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), current.Load())

	require.NoError(t, h.queue.SetConcurrencyLimit(ctx, 3))
	require.Eventually(t, func() bool { return current.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.worker.Status(ctx).Limit == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.queue.SetConcurrencyLimit(ctx, 1))
	time.Sleep(50 * time.Millisecond)
	release <- struct{}{}
	release <- struct{}{}
	require.Eventually(t, func() bool { return h.queue.completedCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), current.Load())
	st := h.worker.Status(ctx)
	require.Equal(t, 1, st.Limit)
	require.Equal(t, 1, st.InFlightCount)
	require.Equal(t, 3, st.Queue.Pending)

	close(release)
	require.Eventually(t, func() bool { return h.queue.completedCount() == 6 }, 2*time.Second, 5*time.Millisecond)
}

type panickingEmitter struct{ calls atomic.Int32 }

func (e *panickingEmitter) Emit(progress.Event) {
	e.calls.Add(1)
	panic("emitter exploded")
}

func TestWorkerSurvivesPanickingEmitter(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	q := newFakeQueue()
	em := &panickingEmitter{}
	w, err := New(Config{WorkerID: "w", PollInterval: 10 * time.Millisecond}, Deps{
		Queue:    q,
		Settings: q,
		Registry: fakeRegistry{"shop": staticScraper(products(2), nil)},
		Emitter:  em,
		Logger:   zap.New(core),
	})
	require.NoError(t, err)
	first := q.add("shop")
	second := q.add("shop")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return q.completedCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, id := range []int64{first, second} {
		c, ok := q.completion(id)
		require.True(t, ok)
		require.True(t, c.Success)
	}
	require.GreaterOrEqual(t, em.calls.Load(), int32(4))
	require.GreaterOrEqual(t, logs.FilterMessage("progress emitter panicked").Len(), 4)
}

func TestWorkerShutdownLetsJobsFinish(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	slow := scrape.ScraperFunc(func(ctx context.Context) (scrape.Result, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		return products(1), nil
	})

	h := newHarness(t, Config{}, fakeRegistry{"shop": slow})
	id := h.queue.add("shop")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	<-started

	cancel()
	require.Eventually(t, func() bool {
		return h.worker.Status(context.Background()).State == StateStopping
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	c, ok := h.queue.completion(id)
	require.True(t, ok)
	require.True(t, c.Success)
	require.Nil(t, ctxErr.Load(), "job context must survive shutdown")
}

func TestWorkerDrainTimeout(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := scrape.ScraperFunc(func(context.Context) (scrape.Result, error) {
		close(started)
		<-release
		return products(1), nil
	})

	core, logs := observer.New(zap.WarnLevel)
	q := newFakeQueue()
	w, err := New(Config{WorkerID: "w", PollInterval: 10 * time.Millisecond, DrainTimeout: 50 * time.Millisecond},
		Deps{Queue: q, Settings: q, Registry: fakeRegistry{"shop": stuck}, Logger: zap.New(core)})
	require.NoError(t, err)
	q.add("shop")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain timeout not honored")
	}
	require.Equal(t, 1, logs.FilterMessage("drain timeout reached, abandoning jobs to lease expiry").Len())
}

func TestWorkerRunsStaleCheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StaleCheckInterval: 20 * time.Millisecond}, fakeRegistry{})
	stop := h.start(t)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.queue.stale) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	stop()
}

type reclaimingQueue struct {
	*fakeQueue
	once sync.Once
}

func (q *reclaimingQueue) ReclaimStaleJobs(context.Context) (scrape.Reclaimed, error) {
	out := scrape.Reclaimed{}
	q.once.Do(func() { out = scrape.Reclaimed{Requeued: 2, Failed: 1} })
	return out, nil
}

func TestWorkerEmitsReclaimEvent(t *testing.T) {
	t.Parallel()

	q := &reclaimingQueue{fakeQueue: newFakeQueue()}
	em := &recordingEmitter{}
	w, err := New(Config{WorkerID: "w", PollInterval: 10 * time.Millisecond},
		Deps{Queue: q, Settings: q, Registry: fakeRegistry{}, Emitter: em})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool {
		return len(em.stages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	em.mu.Lock()
	defer em.mu.Unlock()
	require.Equal(t, progress.StageJobReclaimed, em.events[0].Stage)
	require.Equal(t, 2, em.events[0].Requeued)
	require.Equal(t, 1, em.events[0].Failed)
}

func TestWorkerSurvivesClaimErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, fakeRegistry{"shop": staticScraper(products(1), nil)})
	h.queue.claimErr = errors.New("database is locked")
	id := h.queue.add("shop")
	stop := h.start(t)
	time.Sleep(30 * time.Millisecond)

	h.queue.mu.Lock()
	h.queue.claimErr = nil
	h.queue.mu.Unlock()
	require.Eventually(t, func() bool {
		_, ok := h.queue.completion(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	stop()
}

func TestRunTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, fakeRegistry{})
	stop := h.start(t)
	require.Eventually(t, func() bool {
		return h.worker.Status(context.Background()).Running
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.worker.Run(context.Background()), ErrAlreadyStarted)
	stop()
}
