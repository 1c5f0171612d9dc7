package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and edit scraper schedules",
	}
	cmd.AddCommand(newScheduleListCmd(), newScheduleSetCmd(), newScheduleRunCmd())
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			schedules, err := a.Store().ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			if len(schedules) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no schedules")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCRAPER\tENABLED\tINTERVAL\tLAST RUN\tNEXT RUN")
			for _, s := range schedules {
				fmt.Fprintf(w, "%s\t%t\t%dm\t%s\t%s\n",
					s.ScraperName, s.Enabled, s.IntervalMinutes, formatTime(s.LastRun), formatTime(s.NextRun))
			}
			return w.Flush()
		}),
	}
}

func newScheduleSetCmd() *cobra.Command {
	var (
		enabled  bool
		interval int
	)
	cmd := &cobra.Command{
		Use:   "set <scraper>",
		Short: "Create or update a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a App) error {
			name := args[0]
			if _, err := a.Registry().Lookup(name); err != nil {
				return err
			}
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			if err := a.Store().UpsertSchedule(cmd.Context(), name, enabled, interval); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schedule %s: enabled=%t every %dm\n", name, enabled, interval)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "whether the scheduler should enqueue this scraper")
	cmd.Flags().IntVar(&interval, "interval", 60, "minutes between runs")
	return cmd
}

func newScheduleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one scheduler pass and enqueue due scrapers",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			enqueued, err := a.Scheduler().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if len(enqueued) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing due")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued: %s\n", strings.Join(enqueued, ", "))
			return nil
		}),
	}
}

func newRunsCmd() *cobra.Command {
	var (
		scraperName string
		status      string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent scrape runs",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			st := scrape.Status(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("invalid status %q", status)
			}
			runs, err := a.Store().ListScrapeRuns(cmd.Context(), scrape.RunFilter{
				ScraperName: scraperName,
				Status:      st,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCRAPER\tSTATUS\tSTARTED\tPRODUCTS\tDURATION\tERROR")
			for _, run := range runs {
				products, duration := "-", "-"
				if run.ProductsFound != nil {
					products = fmt.Sprint(*run.ProductsFound)
				}
				if run.DurationSeconds != nil {
					duration = fmt.Sprintf("%.1fs", *run.DurationSeconds)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.ScraperName, run.Status, run.StartedAt.Format(time.RFC3339),
					products, duration, run.ErrorMessage)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&scraperName, "scraper", "", "only show runs for this scraper")
	cmd.Flags().StringVar(&status, "status", "", "only show runs with this status")
	cmd.Flags().IntVar(&limit, "limit", scrape.DefaultRunLimit, "maximum runs to show")
	cmd.AddCommand(newRunStatsCmd())
	return cmd
}

func newRunStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize scrape run history",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			stats, err := a.Store().ScrapeRunStats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "total\t%d\n", stats.Total)
			fmt.Fprintf(w, "successful\t%d\n", stats.Successful)
			fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
			fmt.Fprintf(w, "running\t%d\n", stats.Running)
			fmt.Fprintf(w, "failures (24h)\t%d\n", stats.RecentFailures)
			fmt.Fprintf(w, "success rate\t%.1f%%\n", stats.SuccessRate)
			return w.Flush()
		}),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
