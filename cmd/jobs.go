package cmd

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/progress"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

func newEnqueueCmd() *cobra.Command {
	var (
		priority int
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue <scraper>",
		Short: "Add a pending job for a scraper",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a App) error {
			name := args[0]
			if _, err := a.Registry().Lookup(name); err != nil {
				return err
			}
			ctx := cmd.Context()
			store := a.Store()
			if !force {
				active, err := store.IsScraperQueuedOrRunning(ctx, name)
				if err != nil {
					return err
				}
				if active {
					return fmt.Errorf("scraper %q already has a pending or running job (use --force to queue another)", name)
				}
			}
			jobID, err := store.Enqueue(ctx, name, priority, scrape.SourceCLI)
			if err != nil {
				return err
			}
			a.Emitter().Emit(progress.Event{
				JobID:   jobID,
				Scraper: name,
				Source:  scrape.SourceCLI,
				Stage:   progress.StageJobEnqueued,
				TS:      time.Now().UTC(),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued job %d for %s (priority %d)\n", jobID, name, priority)
			return nil
		}),
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher values are claimed first")
	cmd.Flags().BoolVar(&force, "force", false, "enqueue even when a job is already pending or running")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <scraper>",
		Short: "Run a scraper once in this process, bypassing the queue",
		Long: `Executes the scraper immediately and records an ad-hoc scrape run.
The run does not appear in the job queue.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a App) error {
			n, err := runAdHoc(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d products\n", args[0], n)
			return nil
		}),
	}
}

func runAdHoc(ctx context.Context, a App, name string) (int, error) {
	s, err := a.Registry().Lookup(name)
	if err != nil {
		return 0, err
	}
	store := a.Store()
	runID, err := store.CreateScrapeRun(ctx, name)
	if err != nil {
		return 0, err
	}
	logger := a.Logger().With(zap.String("scraper", name), zap.Int64("run_id", runID))
	start := time.Now()

	complete := func(c scrape.Completion) {
		if err := store.CompleteScrapeRun(context.WithoutCancel(ctx), runID, c); err != nil {
			logger.Error("record scrape run failed", zap.Error(err))
		}
	}

	result, err := s.Scrape(ctx)
	if err == nil && len(result.Products) == 0 {
		err = fmt.Errorf("%s", scrape.NoProductsMessage)
	}
	if err == nil {
		if result.Source == "" {
			result.Source = name
		}
		if result.ScrapedAt.IsZero() {
			result.ScrapedAt = time.Now().UTC()
		}
		err = a.Sink().Save(ctx, result)
	}
	if err != nil {
		complete(scrape.Failed(err.Error(), time.Since(start)))
		return 0, fmt.Errorf("run %s: %w", name, err)
	}
	complete(scrape.Succeeded(len(result.Products), time.Since(start)))
	logger.Info("ad-hoc run completed", zap.Int("products", len(result.Products)))
	return len(result.Products), nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and the concurrency limit",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			ctx := cmd.Context()
			qs, err := a.Store().QueueStatus(ctx)
			if err != nil {
				return err
			}
			limit, err := a.Store().ConcurrencyLimit(ctx, a.Config().Worker.MaxConcurrentJobs)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "pending\t%d\n", qs.Pending)
			fmt.Fprintf(w, "running\t%d\n", qs.Running)
			fmt.Fprintf(w, "completed\t%d\n", qs.Completed)
			fmt.Fprintf(w, "failed\t%d\n", qs.Failed)
			fmt.Fprintf(w, "total\t%d\n", qs.Total())
			fmt.Fprintf(w, "concurrency limit\t%d\n", limit)
			return w.Flush()
		}),
	}
}

func newListCmd() *cobra.Command {
	var scraperName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending jobs in claim order",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			jobs, err := a.Store().PendingJobs(cmd.Context(), scraperName)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending jobs")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCRAPER\tPRIORITY\tSOURCE\tCREATED\tRETRIES")
			for _, job := range jobs {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%d/%d\n",
					job.ID, job.ScraperName, job.Priority, job.Source,
					job.CreatedAt.Format(time.RFC3339), job.RetryCount, job.MaxRetries)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&scraperName, "scraper", "", "only list jobs for this scraper")
	return cmd
}

func newScrapersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrapers",
		Short: "List registered scrapers",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODE\tDISPLAY NAME\tURL")
			for _, info := range a.Registry().Infos() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.Mode, info.DisplayName, info.URL)
			}
			return w.Flush()
		}),
	}
}

func newLimitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "limit [n]",
		Short: "Show or set the global concurrency limit",
		Long: `Without an argument prints the limit workers read on every claim.
With an argument stores a new limit; running workers pick it up on their next
poll.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a App) error {
			ctx := cmd.Context()
			if len(args) == 0 {
				limit, err := a.Store().ConcurrencyLimit(ctx, a.Config().Worker.MaxConcurrentJobs)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "concurrency limit: %d\n", limit)
				return nil
			}
			limit, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: %q is not an integer", scrape.ErrInvalidLimit, args[0])
			}
			if err := a.Store().SetConcurrencyLimit(ctx, limit); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "concurrency limit set to %d\n", limit)
			return nil
		}),
	}
}

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every job, run, schedule and product",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			counts, err := a.Store().ResetAll(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, table := range []string{"job_queue", "scrape_runs", "scraper_schedules", "products"} {
				fmt.Fprintf(w, "%s\t%d deleted\n", table, counts[table])
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
