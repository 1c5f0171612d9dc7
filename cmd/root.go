// Package cmd defines the scrapeq CLI: long-running worker and server
// processes plus one-shot commands against the durable queue.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/app"
	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/logging"
	"github.com/JakeFAU/scrapeq/internal/progress"
	"github.com/JakeFAU/scrapeq/internal/scheduler"
	"github.com/JakeFAU/scrapeq/internal/scrape"
	"github.com/JakeFAU/scrapeq/internal/scraper"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the surface commands use. It lets tests swap in a fake.
type App interface {
	Store() scrape.Store
	Registry() *scraper.Registry
	Sink() scrape.ResultSink
	Emitter() progress.Emitter
	Scheduler() *scheduler.Scheduler
	Logger() *zap.Logger
	Config() config.Config
	Run(ctx context.Context, opts app.RunOptions) error
	Close(ctx context.Context)
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.Build(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scrapeq",
		Short: "Durable scrape job queue, worker pool and scheduler.",
		Long: `scrapeq queues scrape jobs in SQLite or Postgres and runs them with a
capped worker pool. Jobs whose worker disappears are reclaimed after a
stale timeout and retried a bounded number of times.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and SCRAPEQ_* env vars apply)")

	cmd.AddCommand(
		newWorkerCmd(),
		newServeCmd(),
		newEnqueueCmd(),
		newRunCmd(),
		newStatusCmd(),
		newListCmd(),
		newScrapersCmd(),
		newLimitCmd(),
		newScheduleCmd(),
		newRunsCmd(),
		newResetCmd(),
	)
	return cmd
}

// Execute runs the root command with a context canceled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// withApp hands the App built by PersistentPreRunE to fn and closes it
// afterwards, whether or not fn fails.
func withApp(fn func(cmd *cobra.Command, args []string, a App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			a.Close(context.WithoutCancel(cmd.Context()))
			_ = a.Logger().Sync()
		}()
		return fn(cmd, args, a)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
