package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/scrapeq/internal/scheduler"
	"github.com/JakeFAU/scrapeq/internal/scraper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.SQLite.Path != "scrapeq.db" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Worker.PollInterval != 5*time.Second || cfg.Worker.StaleCheckInterval != time.Minute {
		t.Fatalf("unexpected worker intervals: %+v", cfg.Worker)
	}
	if cfg.Worker.MaxConcurrentJobs != 10 || cfg.Queue.MaxRetries != 3 {
		t.Fatalf("unexpected queue defaults: %+v %+v", cfg.Worker, cfg.Queue)
	}
	if cfg.Queue.StaleTimeout != 30*time.Minute {
		t.Fatalf("expected 30m stale timeout, got %v", cfg.Queue.StaleTimeout)
	}
	if cfg.Addr() != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
logging:
  development: false
  level: warn
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
store:
  driver: postgres
  postgres:
    dsn: postgres://scrapeq@localhost/scrapeq
    max_conns: 4
queue:
  stale_timeout: 10m
  max_retries: 5
worker:
  id: worker-fixed
  poll_interval: 2s
  max_concurrent_jobs: 3
  drain_timeout: 30s
scheduler:
  check_interval: 30s
  priority: 2
browser:
  enabled: true
  max_parallel: 1
http:
  user_agent: test-agent
  rate_per_host: 2
archive:
  local_dir: /tmp/out
  gcs_bucket: results-bucket
pubsub:
  project_id: demo-project
  topic: scrape-events
scrapers:
  - name: shop
    url: https://shop.example/catalog
    mode: headless
    item_selector: .tile
    name_selector: .title
    price_selector: .price
    wait_selector: .tile
schedules:
  - scraper: shop
    enabled: true
    interval_minutes: 90
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected server/auth overrides: %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.Postgres.MaxConns != 4 {
		t.Fatalf("expected postgres store: %+v", cfg.Store)
	}
	if cfg.Queue.StaleTimeout != 10*time.Minute || cfg.Queue.MaxRetries != 5 {
		t.Fatalf("expected queue overrides: %+v", cfg.Queue)
	}
	if cfg.Worker.ID != "worker-fixed" || cfg.Worker.DrainTimeout != 30*time.Second {
		t.Fatalf("expected worker overrides: %+v", cfg.Worker)
	}
	if cfg.Worker.StaleCheckInterval != time.Minute {
		t.Fatalf("expected default stale check interval to survive, got %v", cfg.Worker.StaleCheckInterval)
	}
	if cfg.HTTP.UserAgent != "test-agent" || cfg.HTTP.RatePerHost != 2 || cfg.HTTP.Timeout != 15*time.Second {
		t.Fatalf("expected http overrides: %+v", cfg.HTTP)
	}
	if len(cfg.Scrapers) != 1 || cfg.Scrapers[0].Mode != scraper.ModeHeadless {
		t.Fatalf("expected one headless scraper: %+v", cfg.Scrapers)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].IntervalMinutes != 90 {
		t.Fatalf("expected schedule seed: %+v", cfg.Schedules)
	}
	if cfg.PubSub.Topic != "scrape-events" || cfg.Archive.GCSBucket != "results-bucket" {
		t.Fatalf("expected sink overrides: %+v %+v", cfg.PubSub, cfg.Archive)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCRAPEQ_WORKER_MAX_CONCURRENT_JOBS", "7")
	t.Setenv("SCRAPEQ_STORE_SQLITE_PATH", "/var/lib/scrapeq/queue.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.MaxConcurrentJobs != 7 {
		t.Fatalf("expected env override, got %d", cfg.Worker.MaxConcurrentJobs)
	}
	if cfg.Store.SQLite.Path != "/var/lib/scrapeq/queue.db" {
		t.Fatalf("expected env override, got %q", cfg.Store.SQLite.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestConfigValidateErrors(t *testing.T) {
	base := validConfig(t)
	shop := scraper.Definition{
		Name:         "shop",
		URL:          "https://shop.example",
		ItemSelector: ".tile",
		NameSelector: ".title",
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.postgres.dsn"},
		{"sqlite without path", func(c *Config) { c.Store.SQLite.Path = "" }, "store.sqlite.path"},
		{"stale timeout", func(c *Config) { c.Queue.StaleTimeout = 0 }, "queue.stale_timeout"},
		{"concurrency", func(c *Config) { c.Worker.MaxConcurrentJobs = 0 }, "worker.max_concurrent_jobs"},
		{"scheduler interval", func(c *Config) { c.Scheduler.CheckInterval = time.Millisecond }, "scheduler.check_interval"},
		{"browser parallel", func(c *Config) {
			c.Browser.Enabled = true
			c.Browser.MaxParallel = 0
		}, "browser.max_parallel"},
		{"pubsub half set", func(c *Config) { c.PubSub.Topic = "events" }, "pubsub.project_id"},
		{"bad scraper", func(c *Config) { c.Scrapers = []scraper.Definition{{Name: "x"}} }, "scrapers[0]"},
		{"duplicate scraper", func(c *Config) { c.Scrapers = []scraper.Definition{shop, shop} }, "duplicate"},
		{"demo shadowed", func(c *Config) {
			d := shop
			d.Name = scraper.DemoName
			c.Scrapers = []scraper.Definition{d}
		}, "duplicate"},
		{"headless without browser", func(c *Config) {
			d := shop
			d.Mode = scraper.ModeHeadless
			c.Scrapers = []scraper.Definition{d}
		}, "browser.enabled"},
		{"schedule interval", func(c *Config) {
			c.Schedules = append(c.Schedules, scheduler.Seed{Scraper: "shop", Enabled: true})
		}, "interval_minutes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
