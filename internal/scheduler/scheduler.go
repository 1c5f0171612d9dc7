// Package scheduler enqueues jobs for schedules that have come due.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/progress"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// DefaultCheckInterval is used when Config.CheckInterval is unset.
const DefaultCheckInterval = time.Minute

// Store is what the scheduler needs from the durable store.
type Store interface {
	scrape.ScheduleStore
	Enqueue(ctx context.Context, scraperName string, priority int, source string) (int64, error)
	IsScraperQueuedOrRunning(ctx context.Context, scraperName string) (bool, error)
}

// Config controls the scheduler tick.
type Config struct {
	CheckInterval time.Duration
	// Priority is assigned to scheduled jobs.
	Priority int
}

// Seed is a schedule declared in configuration and upserted at startup.
type Seed struct {
	Scraper         string `mapstructure:"scraper"`
	Enabled         bool   `mapstructure:"enabled"`
	IntervalMinutes int    `mapstructure:"interval_minutes"`
}

// Scheduler periodically turns due schedules into pending jobs.
type Scheduler struct {
	cfg     Config
	store   Store
	clock   scrape.Clock
	emitter progress.Emitter
	logger  *zap.Logger

	mu           sync.Mutex
	cron         *cron.Cron
	lastPass     time.Time
	lastEnqueued []string
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running       bool      `json:"running"`
	Total         int       `json:"total_schedules"`
	Enabled       int       `json:"enabled_schedules"`
	CheckInterval string    `json:"check_interval"`
	LastPass      time.Time `json:"last_pass,omitempty"`
	LastEnqueued  []string  `json:"last_enqueued"`
	Error         string    `json:"error,omitempty"`
}

// New builds a Scheduler. Emitter, clock and logger are optional.
func New(cfg Config, store Store, clock scrape.Clock, emitter progress.Emitter, logger *zap.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if clock == nil {
		clock = system.New()
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
	}, nil
}

// SeedSchedules upserts configured schedules.
func (s *Scheduler) SeedSchedules(ctx context.Context, seeds []Seed) error {
	for _, seed := range seeds {
		if err := s.store.UpsertSchedule(ctx, seed.Scraper, seed.Enabled, seed.IntervalMinutes); err != nil {
			return fmt.Errorf("seed schedule %q: %w", seed.Scraper, err)
		}
	}
	if len(seeds) > 0 {
		s.logger.Info("schedules seeded", zap.Int("count", len(seeds)))
	}
	return nil
}

// RunOnce performs a single pass and returns the scrapers it enqueued.
// Failures on one schedule are logged and do not stop the pass.
func (s *Scheduler) RunOnce(ctx context.Context) ([]string, error) {
	now := s.clock.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	enqueued := []string{}
	for _, sched := range due {
		name := sched.ScraperName
		active, err := s.store.IsScraperQueuedOrRunning(ctx, name)
		if err != nil {
			s.logger.Error("active job check failed", zap.String("scraper", name), zap.Error(err))
			continue
		}
		if active {
			s.logger.Debug("scraper already queued or running, skipping", zap.String("scraper", name))
			continue
		}
		jobID, err := s.store.Enqueue(ctx, name, s.cfg.Priority, scrape.SourceScheduled)
		if err != nil {
			s.logger.Error("enqueue scheduled job failed", zap.String("scraper", name), zap.Error(err))
			continue
		}
		next := now.Add(time.Duration(sched.IntervalMinutes) * time.Minute)
		if err := s.store.UpdateScheduleLastRun(ctx, name, now, next); err != nil {
			s.logger.Error("update schedule failed", zap.String("scraper", name), zap.Error(err))
		}
		s.emitter.Emit(progress.Event{
			JobID:   jobID,
			Scraper: name,
			Source:  scrape.SourceScheduled,
			TS:      now,
			Stage:   progress.StageJobEnqueued,
		})
		s.logger.Info("scheduled job enqueued",
			zap.String("scraper", name),
			zap.Int64("job_id", jobID),
			zap.Time("next_run", next),
		)
		enqueued = append(enqueued, name)
	}

	s.mu.Lock()
	s.lastPass = now
	s.lastEnqueued = enqueued
	s.mu.Unlock()
	return enqueued, nil
}

// Start runs a pass immediately and then every CheckInterval until Stop or
// ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	cl := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(s.cfg.CheckInterval), cron.FuncJob(func() { s.tick(ctx) }))
	s.cron = c
	s.mu.Unlock()

	s.logger.Info("scheduler started", zap.Duration("check_interval", s.cfg.CheckInterval))
	s.tick(ctx)
	c.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("scheduler pass failed", zap.Error(err))
	}
}

// Stop halts the tick and waits for a pass in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Status reports schedule counts and the outcome of the last pass.
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		Running:       s.cron != nil,
		CheckInterval: s.cfg.CheckInterval.String(),
		LastPass:      s.lastPass,
		LastEnqueued:  append([]string{}, s.lastEnqueued...),
	}
	s.mu.Unlock()

	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Total = len(schedules)
	for _, sched := range schedules {
		if sched.Enabled {
			st.Enabled++
		}
	}
	return st
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
