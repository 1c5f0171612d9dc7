// Package worker claims jobs from the durable queue and executes them concurrently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/progress"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// Defaults applied by New.
const (
	DefaultPollInterval       = 5 * time.Second
	DefaultStaleCheckInterval = 60 * time.Second
	DefaultMaxConcurrentJobs  = 10
)

// State is the worker lifecycle phase.
type State string

// Worker lifecycle: idle -> running -> stopping -> stopped.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("worker already started")

var errNoProducts = errors.New("no products found")

// Config controls Worker behavior.
type Config struct {
	WorkerID           string
	PollInterval       time.Duration
	StaleCheckInterval time.Duration
	// MaxConcurrentJobs is the fallback when no limit is stored in settings.
	MaxConcurrentJobs int
	// DrainTimeout bounds how long Run waits for in-flight jobs after shutdown.
	// Zero waits until every job finishes.
	DrainTimeout time.Duration
}

// Deps are the collaborators a Worker needs. Queue, Settings and Registry are required.
type Deps struct {
	Queue    scrape.Queue
	Settings scrape.SettingsStore
	Registry scrape.Registry
	Sink     scrape.ResultSink
	Emitter  progress.Emitter
	Clock    scrape.Clock
	IDs      scrape.IDGenerator
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

// Worker runs a claim loop plus a stale-lease checker.
type Worker struct {
	cfg      Config
	queue    scrape.Queue
	settings scrape.SettingsStore
	registry scrape.Registry
	sink     scrape.ResultSink
	emitter  progress.Emitter
	clock    scrape.Clock
	logger   *zap.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	state    State
	limit    int
	inFlight map[int64]time.Time
	wake     chan struct{}
	wg       sync.WaitGroup
}

// Status is a point-in-time view of the worker.
type Status struct {
	WorkerID      string             `json:"worker_id"`
	State         State              `json:"state"`
	Running       bool               `json:"running"`
	InFlightJobs  []int64            `json:"in_flight_jobs"`
	InFlightCount int                `json:"in_flight_count"`
	Limit         int                `json:"concurrency_limit"`
	Queue         scrape.QueueStatus `json:"queue"`
	QueueError    string             `json:"queue_error,omitempty"`
}

// New constructs a Worker. A worker id is generated when cfg.WorkerID is empty.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if deps.Settings == nil {
		return nil, fmt.Errorf("settings store is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("scraper registry is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = DefaultStaleCheckInterval
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.WorkerID == "" {
		if deps.IDs == nil {
			return nil, fmt.Errorf("worker id or id generator is required")
		}
		id, err := deps.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate worker id: %w", err)
		}
		cfg.WorkerID = id
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/scrapeq/internal/worker")
	}
	return &Worker{
		cfg:      cfg,
		queue:    deps.Queue,
		settings: deps.Settings,
		registry: deps.Registry,
		sink:     deps.Sink,
		emitter:  deps.Emitter,
		clock:    deps.Clock,
		logger:   deps.Logger.With(zap.String("worker_id", cfg.WorkerID)),
		tracer:   deps.Tracer,
		state:    StateIdle,
		limit:    cfg.MaxConcurrentJobs,
		inFlight: make(map[int64]time.Time),
		wake:     make(chan struct{}, 1),
	}, nil
}

// ID returns the worker id recorded on claimed jobs.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Run blocks until ctx is cancelled and in-flight jobs have drained.
// Cancelling ctx only stops claiming; running jobs are not interrupted.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.state = StateRunning
	w.mu.Unlock()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("stale_check_interval", w.cfg.StaleCheckInterval),
		zap.Int("max_concurrent_jobs", w.cfg.MaxConcurrentJobs),
	)

	staleDone := make(chan struct{})
	go func() {
		defer close(staleDone)
		w.staleLoop(ctx)
	}()

	w.claimLoop(ctx)

	w.setState(StateStopping)
	<-staleDone
	w.drain()
	w.setState(StateStopped)
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) claimLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		limit := w.refreshLimit(ctx)
		if w.inFlightCount() < limit {
			job, ok, err := w.queue.ClaimNext(ctx, w.cfg.WorkerID, limit)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("claim failed", zap.Error(err))
			case ok:
				w.start(ctx, job)
				continue
			}
		}
		if !w.sleep(ctx) {
			return
		}
	}
}

// refreshLimit re-reads the concurrency limit so changes apply without restart.
func (w *Worker) refreshLimit(ctx context.Context) int {
	limit, err := w.settings.ConcurrencyLimit(ctx, w.cfg.MaxConcurrentJobs)
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("read concurrency limit failed, using fallback",
			zap.Int("fallback", limit),
			zap.Error(err),
		)
	}
	if limit < 1 {
		limit = w.cfg.MaxConcurrentJobs
	}
	w.mu.Lock()
	if limit != w.limit {
		w.logger.Info("concurrency limit changed", zap.Int("from", w.limit), zap.Int("to", limit))
		w.limit = limit
	}
	w.mu.Unlock()
	return limit
}

// sleep waits for the poll interval, a finished job or shutdown. It reports
// false when ctx is done.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (w *Worker) start(ctx context.Context, job scrape.Job) {
	w.mu.Lock()
	w.inFlight[job.ID] = w.clock.Now()
	w.mu.Unlock()

	w.logger.Info("job claimed",
		zap.Int64("job_id", job.ID),
		zap.String("scraper", job.ScraperName),
		zap.Int("priority", job.Priority),
	)
	w.emit(progress.Event{
		JobID:    job.ID,
		RunID:    job.ScrapeRunID,
		Scraper:  job.ScraperName,
		WorkerID: w.cfg.WorkerID,
		Source:   job.Source,
		TS:       w.clock.Now(),
		Stage:    progress.StageJobClaimed,
	})

	// Jobs outlive the shutdown signal; only the stale lease can take them back.
	jobCtx := context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.finish(job.ID)
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("job bookkeeping panicked",
					zap.Int64("job_id", job.ID),
					zap.Any("panic", r),
				)
			}
		}()
		w.executeJob(jobCtx, job)
	}()
}

func (w *Worker) finish(jobID int64) {
	w.mu.Lock()
	delete(w.inFlight, jobID)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// executeJob runs the scraper and always records a terminal outcome.
func (w *Worker) executeJob(ctx context.Context, job scrape.Job) {
	ctx, span := w.tracer.Start(ctx, "scrape.job", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.scraper", job.ScraperName),
		attribute.String("worker.id", w.cfg.WorkerID),
	))
	defer span.End()

	started := w.clock.Now()
	result, err := w.runScraper(ctx, job)
	dur := w.clock.Now().Sub(started)

	evt := progress.Event{
		JobID:    job.ID,
		RunID:    job.ScrapeRunID,
		Scraper:  job.ScraperName,
		WorkerID: w.cfg.WorkerID,
		Dur:      dur,
	}
	var completion scrape.Completion
	if err != nil {
		msg := failureMessage(err)
		completion = scrape.Failed(msg, dur)
		span.SetStatus(codes.Error, msg)
		evt.Stage = progress.StageJobFailed
		evt.Note = msg
		w.logger.Warn("job failed",
			zap.Int64("job_id", job.ID),
			zap.String("scraper", job.ScraperName),
			zap.Duration("duration", dur),
			zap.Error(err),
		)
	} else {
		completion = scrape.Succeeded(len(result.Products), dur)
		span.SetAttributes(attribute.Int("job.products", len(result.Products)))
		evt.Stage = progress.StageJobDone
		evt.Products = len(result.Products)
		w.logger.Info("job completed",
			zap.Int64("job_id", job.ID),
			zap.String("scraper", job.ScraperName),
			zap.Int("products", len(result.Products)),
			zap.Duration("duration", dur),
		)
	}

	if err := w.queue.Complete(ctx, job.ID, completion); err != nil {
		w.logger.Error("record completion failed", zap.Int64("job_id", job.ID), zap.Error(err))
		span.RecordError(err)
	}
	evt.TS = w.clock.Now()
	w.emit(evt)
}

// emit forwards evt to the emitter. A misbehaving emitter is logged and
// otherwise ignored; it must not take down the claim loop or a job.
func (w *Worker) emit(evt progress.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("progress emitter panicked",
				zap.String("stage", string(evt.Stage)),
				zap.Int64("job_id", evt.JobID),
				zap.Any("panic", r),
			)
		}
	}()
	w.emitter.Emit(evt)
}

func (w *Worker) runScraper(ctx context.Context, job scrape.Job) (result scrape.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scraper %s panicked: %v", job.ScraperName, r)
		}
	}()

	scraper, err := w.registry.Lookup(job.ScraperName)
	if err != nil {
		return scrape.Result{}, err
	}
	result, err = scraper.Scrape(ctx)
	if err != nil {
		return scrape.Result{}, err
	}
	if len(result.Products) == 0 {
		return scrape.Result{}, errNoProducts
	}
	if result.Source == "" {
		result.Source = job.ScraperName
	}
	if result.ScrapedAt.IsZero() {
		result.ScrapedAt = w.clock.Now()
	}
	if w.sink != nil {
		if err := w.sink.Save(ctx, result); err != nil {
			return scrape.Result{}, err
		}
	}
	return result, nil
}

func failureMessage(err error) string {
	if errors.Is(err, errNoProducts) {
		return scrape.NoProductsMessage
	}
	return err.Error()
}

func (w *Worker) staleLoop(ctx context.Context) {
	w.reclaim(ctx)
	ticker := time.NewTicker(w.cfg.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reclaim(ctx)
		}
	}
}

func (w *Worker) reclaim(ctx context.Context) {
	got, err := w.queue.ReclaimStaleJobs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("stale job check failed", zap.Error(err))
		}
		return
	}
	if got.Count() == 0 {
		return
	}
	w.logger.Warn("reclaimed stale jobs",
		zap.Int("requeued", got.Requeued),
		zap.Int("failed", got.Failed),
	)
	w.emit(progress.Event{
		WorkerID: w.cfg.WorkerID,
		TS:       w.clock.Now(),
		Stage:    progress.StageJobReclaimed,
		Requeued: got.Requeued,
		Failed:   got.Failed,
	})
}

// drain waits for in-flight jobs, bounded by DrainTimeout when set.
func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	if n := w.inFlightCount(); n > 0 {
		w.logger.Info("waiting for in-flight jobs", zap.Int("count", n))
	}
	if w.cfg.DrainTimeout <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		w.logger.Warn("drain timeout reached, abandoning jobs to lease expiry",
			zap.Int64s("job_ids", w.inFlightIDs()),
		)
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) inFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

func (w *Worker) inFlightIDs() []int64 {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.inFlight))
	for id := range w.inFlight {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status reports worker state plus a queue snapshot.
func (w *Worker) Status(ctx context.Context) Status {
	ids := w.inFlightIDs()
	w.mu.Lock()
	st := Status{
		WorkerID:      w.cfg.WorkerID,
		State:         w.state,
		Running:       w.state == StateRunning,
		InFlightJobs:  ids,
		InFlightCount: len(ids),
		Limit:         w.limit,
	}
	w.mu.Unlock()
	qs, err := w.queue.QueueStatus(ctx)
	if err != nil {
		st.QueueError = err.Error()
		return st
	}
	st.Queue = qs
	return st
}
