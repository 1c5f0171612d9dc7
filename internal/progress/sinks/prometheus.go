package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrapeq/internal/progress"
)

// PrometheusSink exports job lifecycle metrics. It owns all collectors for
// enqueued, claimed, completed and reclaimed jobs.
type PrometheusSink struct {
	jobsEnqueued  *prometheus.CounterVec
	jobsClaimed   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	products      *prometheus.CounterVec
	reclaimed     *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeq_jobs_enqueued_total",
			Help: "Jobs enqueued partitioned by source.",
		}, []string{"source"}),
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeq_jobs_claimed_total",
			Help: "Jobs claimed partitioned by scraper.",
		}, []string{"scraper"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeq_jobs_completed_total",
			Help: "Jobs completed partitioned by scraper and result.",
		}, []string{"scraper", "result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrapeq_jobs_in_flight",
			Help: "Jobs this process has claimed and not yet finished.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapeq_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		products: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeq_products_scraped_total",
			Help: "Products extracted by successful jobs.",
		}, []string{"scraper"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeq_jobs_reclaimed_total",
			Help: "Stale jobs swept partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsEnqueued,
		s.jobsClaimed,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.products,
		s.reclaimed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobEnqueued:
		source := evt.Source
		if source == "" {
			source = "unknown"
		}
		s.jobsEnqueued.WithLabelValues(source).Inc()
	case progress.StageJobClaimed:
		s.jobsClaimed.WithLabelValues(evt.Scraper).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone, progress.StageJobFailed:
		result := evt.Result()
		s.jobsCompleted.WithLabelValues(evt.Scraper, result).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if evt.Products > 0 {
			s.products.WithLabelValues(evt.Scraper).Add(float64(evt.Products))
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case progress.StageJobReclaimed:
		if evt.Requeued > 0 {
			s.reclaimed.WithLabelValues("requeued").Add(float64(evt.Requeued))
		}
		if evt.Failed > 0 {
			s.reclaimed.WithLabelValues("failed").Add(float64(evt.Failed))
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[int64]struct{})}
}

func (t *jobTracker) start(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
