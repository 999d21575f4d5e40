package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/CognicAI/Become-AI/pkg/transport"
)

func newScrapeCommand() *cobra.Command {
	var (
		name        string
		description string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "scrape [base-url]",
		Short: "Submit a website for scraping and indexing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return withApp(ctx, func(a *app) error {
				job, err := a.client.SubmitScrape(ctx, name, args[0], description)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job %s submitted for site %d\n", job.JobID, job.SiteID)
				if job.Message != "" {
					fmt.Fprintln(out, job.Message)
				}
				if !watch {
					return nil
				}

				final, err := a.client.WatchScrape(ctx, job.JobID, a.cfg.ScrapePollInterval, func(s transport.JobStatus) {
					printJobStatus(out, s)
				})
				if err != nil {
					return err
				}
				if final.Status == "failed" {
					return errors.Errorf("scrape failed: %s", final.ErrorMessage)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name for the site")
	cmd.Flags().StringVar(&description, "description", "", "description of the site")
	cmd.Flags().BoolVar(&watch, "watch", false, "poll the job until it finishes")
	return cmd
}

func newScrapeStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show the status of a scrape job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				status, err := a.client.ScrapeStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJobStatus(cmd.OutOrStdout(), status)
				if status.Status == "failed" {
					return errors.Errorf("scrape failed: %s", status.ErrorMessage)
				}
				return nil
			})
		},
	}
	return cmd
}

func printJobStatus(out io.Writer, s transport.JobStatus) {
	line := fmt.Sprintf("[%s] %.0f%%", s.Status, s.Progress)
	if s.PagesTotal != nil && *s.PagesTotal > 0 {
		line += fmt.Sprintf(" (%d/%d pages)", s.PagesProcessed, *s.PagesTotal)
	}
	if s.CurrentTask != "" {
		line += " " + s.CurrentTask
	}
	fmt.Fprintln(out, line)
}
