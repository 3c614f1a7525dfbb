package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flintq/internal/job"
	"flintq/internal/schedule"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage recurring schedules",
}

var scheduleCreateFlags struct {
	cron     string
	every    time.Duration
	queue    string
	priority string
}

var schedulesCreateCmd = &cobra.Command{
	Use:   "create <name> <task-name>",
	Short: "Register a recurring schedule (exactly one of --cron or --every)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := job.ParsePriority(scheduleCreateFlags.priority)
		if err != nil {
			return err
		}
		opts := schedule.Options{
			CronExpression: scheduleCreateFlags.cron,
			QueueName:      scheduleCreateFlags.queue,
			Priority:       &priority,
		}
		if scheduleCreateFlags.every > 0 {
			opts.Interval = &schedule.Interval{Seconds: int(scheduleCreateFlags.every.Seconds())}
		}

		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		s, err := client.ScheduleRecurring(cmd.Context(), args[0], args[1], opts)
		if err != nil {
			return err
		}
		fmt.Println(s.ID)
		return nil
	},
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		schedules, err := client.ListSchedules(cmd.Context(), "", 0, 0)
		if err != nil {
			return err
		}
		for _, s := range schedules {
			trigger := s.CronExpression
			if trigger == "" {
				trigger = "every " + s.Interval.Duration().String()
			}
			next := "-"
			if s.NextRunAt != nil {
				next = s.NextRunAt.Format(time.RFC3339)
			}
			fmt.Printf("%s\t%s\t%s\t%s\t%s\tnext=%s\n",
				s.ID, s.Name, s.TaskName, trigger, s.Status, next)
		}
		return nil
	},
}

var schedulesPauseCmd = &cobra.Command{
	Use:   "pause <schedule-id>",
	Short: "Pause a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return client.PauseSchedule(cmd.Context(), args[0])
	},
}

var resumeRecompute bool

var schedulesResumeCmd = &cobra.Command{
	Use:   "resume <schedule-id>",
	Short: "Resume a paused schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return client.ResumeSchedule(cmd.Context(), args[0], resumeRecompute)
	},
}

var schedulesDeleteCmd = &cobra.Command{
	Use:   "delete <schedule-id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return client.DeleteSchedule(cmd.Context(), args[0])
	},
}

func init() {
	f := schedulesCreateCmd.Flags()
	f.StringVar(&scheduleCreateFlags.cron, "cron", "", "five-field cron expression")
	f.DurationVar(&scheduleCreateFlags.every, "every", 0, "fixed interval")
	f.StringVarP(&scheduleCreateFlags.queue, "queue", "q", job.DefaultQueue, "queue name")
	f.StringVarP(&scheduleCreateFlags.priority, "priority", "p", "normal", "critical|high|normal|low")

	schedulesResumeCmd.Flags().BoolVar(&resumeRecompute, "recompute", false,
		"recompute next run from now instead of firing a stale next-run immediately")

	schedulesCmd.AddCommand(schedulesCreateCmd, schedulesListCmd,
		schedulesPauseCmd, schedulesResumeCmd, schedulesDeleteCmd)
}
