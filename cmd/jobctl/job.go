package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/dealer-jobs/internal/api/dto"
	"github.com/cuongbtq/dealer-jobs/internal/apiclient"
)

func newJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and clean up jobs",
	}

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCommand(cmd)
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}

	watch := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCommand(cmd)
			if err != nil {
				return err
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			return watchJob(cmd, client, args[0], interval)
		},
	}
	watch.Flags().Duration("interval", time.Second, "Polling interval")

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runJobList,
	}
	list.Flags().String("queue", "", "Only jobs of this queue")
	list.Flags().String("state", "", "Only jobs in this state (waiting, active, completed, failed, delayed)")
	list.Flags().Int("page-size", 20, "Jobs per page")
	list.Flags().String("cursor", "", "Cursor returned by a previous page")

	del := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Remove a completed or failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCommand(cmd)
			if err != nil {
				return err
			}
			if err := client.DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(get, watch, list, del)
	return cmd
}

func runJobList(cmd *cobra.Command, _ []string) error {
	client, err := clientFromCommand(cmd)
	if err != nil {
		return err
	}

	req := dto.ListJobsRequest{}
	req.Queue, _ = cmd.Flags().GetString("queue")
	req.State, _ = cmd.Flags().GetString("state")
	req.PageSize, _ = cmd.Flags().GetInt("page-size")
	req.Cursor, _ = cmd.Flags().GetString("cursor")

	page, err := client.ListJobs(cmd.Context(), req)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUE\tSTATE\tATTEMPTS\tCREATED")
	for _, job := range page.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			job.ID, job.Queue, job.State, job.AttemptsMade, job.MaxAttempts,
			time.UnixMilli(job.Timestamp).UTC().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if page.NextCursor != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nnext page: --cursor %s\n", page.NextCursor)
	}
	return nil
}

// watchJob polls a job and renders its progress. Imports report
// {processed, total}; other jobs only change state.
func watchJob(cmd *cobra.Command, client *apiclient.Client, jobID string, interval time.Duration) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription(jobID),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	maxSet := false
	final, err := client.WatchJob(cmd.Context(), jobID, interval, func(job *dto.JobDTO) {
		var p struct {
			Processed int `json:"processed"`
			Total     int `json:"total"`
		}
		if len(job.Progress) > 0 && json.Unmarshal(job.Progress, &p) == nil && p.Total > 0 {
			if !maxSet {
				bar.ChangeMax(p.Total)
				maxSet = true
			}
			_ = bar.Set(p.Processed)
		}
		bar.Describe(fmt.Sprintf("%s [%s]", jobID, job.State))
	})
	_ = bar.Finish()
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	if err := printJSON(cmd.OutOrStdout(), final); err != nil {
		return err
	}
	if final.State == "failed" {
		reason := ""
		if final.FailedReason != nil {
			reason = *final.FailedReason
		}
		return fmt.Errorf("job %s failed: %s", jobID, reason)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
