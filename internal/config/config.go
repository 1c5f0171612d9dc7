// Package config loads and validates scrapeq configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrapeq/internal/browser"
	"github.com/JakeFAU/scrapeq/internal/logging"
	"github.com/JakeFAU/scrapeq/internal/scheduler"
	"github.com/JakeFAU/scrapeq/internal/scraper"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   logging.Config       `mapstructure:"logging"`
	Server    ServerConfig         `mapstructure:"server"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Store     StoreConfig          `mapstructure:"store"`
	Queue     QueueConfig          `mapstructure:"queue"`
	Worker    WorkerConfig         `mapstructure:"worker"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Browser   browser.Config       `mapstructure:"browser"`
	HTTP      scraper.HTTPConfig   `mapstructure:"http"`
	Archive   ArchiveConfig        `mapstructure:"archive"`
	PubSub    PubSubConfig         `mapstructure:"pubsub"`
	Tracing   TracingConfig        `mapstructure:"tracing"`
	Scrapers  []scraper.Definition `mapstructure:"scrapers"`
	Schedules []scheduler.Seed     `mapstructure:"schedules"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects and tunes the durable store.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig configures the file-backed store.
type SQLiteConfig struct {
	Path         string        `mapstructure:"path"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// QueueConfig holds lease recovery knobs shared by every worker.
type QueueConfig struct {
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// WorkerConfig configures the claim loop.
type WorkerConfig struct {
	ID                 string        `mapstructure:"id"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	StaleCheckInterval time.Duration `mapstructure:"stale_check_interval"`
	MaxConcurrentJobs  int           `mapstructure:"max_concurrent_jobs"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
}

// SchedulerConfig configures the due-schedule producer.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Priority      int           `mapstructure:"priority"`
}

// ArchiveConfig enables best-effort result archives.
type ArchiveConfig struct {
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for lifecycle event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite.path", "scrapeq.db")
	v.SetDefault("store.sqlite.busy_timeout", 5*time.Second)
	v.SetDefault("store.sqlite.max_open_conns", 4)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("queue.stale_timeout", 30*time.Minute)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.stale_check_interval", 60*time.Second)
	v.SetDefault("worker.max_concurrent_jobs", 10)
	v.SetDefault("worker.drain_timeout", 0)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.check_interval", time.Minute)
	v.SetDefault("scheduler.priority", 0)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("browser.settle", 2*time.Second)
	v.SetDefault("http.user_agent", "scrapeq/0.1")
	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.rate_per_host", 0.5)
	v.SetDefault("http.burst", 1)
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "results")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("tracing.service_name", "scrapeq")
	v.SetDefault("tracing.sample_ratio", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path must be set")
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Store.Driver)
	}
	if c.Queue.StaleTimeout <= 0 {
		return fmt.Errorf("queue.stale_timeout must be > 0")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if c.Worker.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("worker.max_concurrent_jobs must be > 0")
	}
	if c.Worker.PollInterval <= 0 || c.Worker.StaleCheckInterval <= 0 {
		return fmt.Errorf("worker.poll_interval and worker.stale_check_interval must be > 0")
	}
	if c.Scheduler.CheckInterval < time.Second {
		return fmt.Errorf("scheduler.check_interval must be at least 1s")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when the browser is enabled")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	seen := make(map[string]bool, len(c.Scrapers))
	for i := range c.Scrapers {
		def := c.Scrapers[i]
		if err := def.Validate(); err != nil {
			return fmt.Errorf("scrapers[%d]: %w", i, err)
		}
		if def.Name == scraper.DemoName || seen[def.Name] {
			return fmt.Errorf("scrapers[%d]: duplicate scraper name %q", i, def.Name)
		}
		seen[def.Name] = true
		if def.Mode == scraper.ModeHeadless && !c.Browser.Enabled {
			return fmt.Errorf("scrapers[%d]: %s needs browser.enabled", i, def.Name)
		}
	}
	for i, s := range c.Schedules {
		if s.Scraper == "" {
			return fmt.Errorf("schedules[%d]: scraper is required", i)
		}
		if s.IntervalMinutes < 1 {
			return fmt.Errorf("schedules[%d]: interval_minutes must be >= 1", i)
		}
	}
	return nil
}

// Addr is the listen address for the admin server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
