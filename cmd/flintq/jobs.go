package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flintq/internal/job"
	"flintq/internal/storage"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and administer jobs",
}

var jobsListFlags struct {
	queue  string
	status []string
	limit  int
	offset int
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		f := storage.Filter{
			Queue:  jobsListFlags.queue,
			Limit:  jobsListFlags.limit,
			Offset: jobsListFlags.offset,
		}
		for _, s := range jobsListFlags.status {
			f.Statuses = append(f.Statuses, job.Status(s))
		}

		jobs, err := client.ListJobs(cmd.Context(), f)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("%s\t%s\t%s\t%s\t%s\tretries=%d/%d\n",
				j.ID, j.TaskName, j.QueueName, j.Priority, j.Status,
				j.RetryCount, j.MaxRetries)
		}
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		j, err := client.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	},
}

var cancelReason string

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return client.CancelJob(cmd.Context(), args[0], cancelReason)
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return client.DeleteJob(cmd.Context(), args[0])
	},
}

func init() {
	f := jobsListCmd.Flags()
	f.StringVarP(&jobsListFlags.queue, "queue", "q", "", "filter by queue")
	f.StringSliceVar(&jobsListFlags.status, "status", nil, "filter by status (repeatable)")
	f.IntVar(&jobsListFlags.limit, "limit", 50, "page size")
	f.IntVar(&jobsListFlags.offset, "offset", 0, "page offset")

	jobsCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled via cli", "cancellation reason")

	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsCancelCmd, jobsDeleteCmd)
}
