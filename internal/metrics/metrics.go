// Package metrics exposes process-wide Prometheus collectors for the HTTP
// surface, scraper politeness and queue depth.
package metrics

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	archiveFailuresTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapeq_rate_limit_delay_seconds",
				Help:    "Time scrapers waited on the per-host politeness limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		archiveFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeq_archive_failures_total",
				Help: "Result archive writes that failed, labeled by archive.",
			},
			[]string{"archive"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL or bare host.
// It returns "unknown" if nothing usable is found.
func SanitizeHost(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records a politeness wait for host.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// ObserveArchiveFailure counts a failed archive write.
func ObserveArchiveFailure(archive string) {
	Init()
	archiveFailuresTotal.WithLabelValues(archive).Inc()
}

// QueueSource is what the queue collector reads at scrape time.
type QueueSource interface {
	QueueStatus(ctx context.Context) (scrape.QueueStatus, error)
	ConcurrencyLimit(ctx context.Context, fallback int) (int, error)
}

// QueueCollector reports durable queue depth and the effective concurrency
// limit, read from the store on every scrape so all processes agree.
type QueueCollector struct {
	source   QueueSource
	fallback int
	timeout  time.Duration

	jobs  *prometheus.Desc
	limit *prometheus.Desc
	up    *prometheus.Desc
}

// NewQueueCollector builds a collector. fallback is the limit reported when
// none is stored.
func NewQueueCollector(source QueueSource, fallback int) *QueueCollector {
	return &QueueCollector{
		source:   source,
		fallback: fallback,
		timeout:  2 * time.Second,
		jobs: prometheus.NewDesc("scrapeq_queue_jobs",
			"Jobs in the durable queue by status.", []string{"status"}, nil),
		limit: prometheus.NewDesc("scrapeq_concurrency_limit",
			"Global cap on running jobs.", nil, nil),
		up: prometheus.NewDesc("scrapeq_store_up",
			"Whether the last queue read succeeded.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.limit
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	qs, err := c.source.QueueStatus(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for status, n := range map[scrape.Status]int{
		scrape.StatusPending:   qs.Pending,
		scrape.StatusRunning:   qs.Running,
		scrape.StatusCompleted: qs.Completed,
		scrape.StatusFailed:    qs.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(n), string(status))
	}
	limit, _ := c.source.ConcurrencyLimit(ctx, c.fallback)
	ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(limit))
}
