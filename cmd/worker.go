package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrapeq/internal/app"
)

func newWorkerCmd() *cobra.Command {
	var withScheduler, withAPI bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and run queued jobs until interrupted",
		Long: `Runs the claim loop and the stale-lease checker. In-flight jobs are
allowed to finish on SIGINT/SIGTERM, bounded by worker.drain_timeout.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			return runApp(cmd.Context(), a, app.RunOptions{
				Worker:    true,
				Scheduler: withScheduler,
				API:       withAPI,
			})
		}),
	}
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "also run the scheduler in this process")
	cmd.Flags().BoolVar(&withAPI, "serve", false, "also serve the admin API")
	return cmd
}

func newServeCmd() *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API, with the worker and scheduler",
		Long: `Serves the admin HTTP API and runs a worker. The scheduler runs too
when scheduler.enabled is set.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			return runApp(cmd.Context(), a, app.RunOptions{
				Worker:    !noWorker,
				Scheduler: a.Config().Scheduler.Enabled,
				API:       true,
			})
		}),
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without claiming jobs")
	return cmd
}

func runApp(ctx context.Context, a App, opts app.RunOptions) error {
	if err := a.Run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
