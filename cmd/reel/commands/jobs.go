package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/reel/pulse"
	"github.com/teranos/reel/pulse/schedule"
	"github.com/teranos/reel/sym"
)

// JobsCmd manages download jobs directly against the database
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Manage download jobs",
	Long: sym.Pulse + ` jobs - Manage download jobs

Works on the job database directly, so a server does not need to be running.
Jobs added here are executed by the next 'reel server' pulse.

Examples:
  reel jobs ls                                   # All jobs
  reel jobs ls --status scheduled                # Pending jobs only
  reel jobs add <url> --at 2026-01-02T15:04:05Z  # Schedule a download
  reel jobs show <id>                            # One job in full
  reel jobs rm <id>                              # Cancel a pending job`,
}

var jobsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs",
	Args:    cobra.NoArgs,
	RunE:    runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a download job",
	Long: `Add a download job. With --at the job runs at that time (ISO-8601,
naive times are UTC); without it the job is due immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsAdd,
}

var jobsRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"cancel"},
	Short:   "Cancel a job that has not started",
	Args:    cobra.ExactArgs(1),
	RunE:    runJobsRemove,
}

var (
	jobsDBPath string
	jobsStatus string
	jobsAt     string
	jobsVideo  string
	jobsAudio  string
	jobsOutput string
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsDBPath, "db-path", "", "Custom database path (overrides config)")

	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (scheduled, in_progress, completed, error)")

	jobsAddCmd.Flags().StringVar(&jobsAt, "at", "", "When to run the download (ISO-8601)")
	jobsAddCmd.Flags().StringVar(&jobsVideo, "video", "", "Video format id (default best)")
	jobsAddCmd.Flags().StringVar(&jobsAudio, "audio", "", "Audio format id (default best)")
	jobsAddCmd.Flags().StringVarP(&jobsOutput, "output", "o", "", "Output path template")

	JobsCmd.AddCommand(jobsListCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsAddCmd)
	JobsCmd.AddCommand(jobsRemoveCmd)
}

// withService runs fn against a stopped service over the job database.
func withService(fn func(ctx context.Context, svc *pulse.Service, store *schedule.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, store, closeDB, err := openService(ctx, cfg, jobsDBPath)
	if err != nil {
		return err
	}
	defer closeDB()

	return fn(ctx, svc, store)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	var filter *schedule.Status
	if jobsStatus != "" {
		st, err := schedule.ParseStatus(jobsStatus)
		if err != nil {
			return err
		}
		filter = &st
	}

	return withService(func(ctx context.Context, _ *pulse.Service, store *schedule.Store) error {
		jobs, err := store.List(ctx, filter)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}
		return renderJobs(cmd.OutOrStdout(), jobs, time.Now().UTC())
	})
}

// renderJobs prints jobs as a table, newest schedule last.
func renderJobs(w io.Writer, jobs []*schedule.Job, now time.Time) error {
	rows := [][]string{{"ID", "Status", "Scheduled", "URL", "Result"}}
	for _, job := range jobs {
		rows = append(rows, []string{
			job.Short(),
			job.Status.String(),
			scheduledColumn(job, now),
			job.SourceURL,
			resultColumn(job),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(rows).Render()
}

func scheduledColumn(job *schedule.Job, now time.Time) string {
	at := job.ScheduledTime.Format(time.RFC3339)
	if job.Status == schedule.StatusScheduled {
		if mins := job.TimeRemaining(now); mins > 0 {
			return fmt.Sprintf("%s (in %.0fm)", at, mins)
		}
		return at + " (due)"
	}
	return at
}

func resultColumn(job *schedule.Job) string {
	switch {
	case job.FilePath != nil:
		return *job.FilePath
	case job.ErrorMessage != "":
		return firstLine(job.ErrorMessage)
	}
	return ""
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, _ *pulse.Service, store *schedule.Store) error {
		job, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}

		rows := [][]string{
			{"Task ID", job.TaskID},
			{"Status", job.Status.String()},
			{"URL", job.SourceURL},
			{"Output", job.OutputPathTemplate},
			{"Video", job.VideoQuality},
			{"Audio", job.AudioQuality},
			{"Scheduled", job.ScheduledTime.Format(time.RFC3339)},
			{"Created", job.CreatedAt.Format(time.RFC3339)},
			{"Updated", job.UpdatedAt.Format(time.RFC3339)},
		}
		if job.FilePath != nil {
			rows = append(rows, []string{"File", *job.FilePath})
		}
		if job.ErrorMessage != "" {
			rows = append(rows, []string{"Error", job.ErrorMessage})
		}
		return pterm.DefaultTable.WithWriter(cmd.OutOrStdout()).WithData(rows).Render()
	})
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	req := pulse.Request{
		SourceURL:     args[0],
		OutputPath:    jobsOutput,
		VideoQuality:  jobsVideo,
		AudioQuality:  jobsAudio,
		ScheduledTime: jobsAt,
	}

	return withService(func(ctx context.Context, svc *pulse.Service, _ *schedule.Store) error {
		var (
			sub *pulse.Submission
			err error
		)
		if jobsAt != "" {
			sub, err = svc.SubmitScheduled(ctx, req, time.Now().UTC())
		} else {
			sub, err = svc.SubmitImmediate(ctx, req)
		}
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), sub.TaskID)
		if jobsAt == "" {
			pterm.Info.Println("Job is due now; a running 'reel server' picks it up on its next pulse")
		}
		return nil
	})
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *pulse.Service, _ *schedule.Store) error {
		if err := svc.Cancel(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("Cancelled %s", args[0])
		return nil
	})
}
