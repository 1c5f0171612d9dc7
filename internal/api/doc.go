// Package api hosts the admin HTTP server for the scrape queue. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - /v1/queue, /v1/jobs and /v1/scrapers for enqueueing and inspecting jobs.
//   - /v1/worker, /v1/scheduler and /v1/settings/concurrency for runtime control.
//   - /v1/schedules and /v1/runs for schedule management and run history.
package api
