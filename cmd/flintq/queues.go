package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Inspect and administer queues",
}

var queuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queues and their backlogs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		queues, err := client.Queues(cmd.Context())
		if err != nil {
			return err
		}
		sizes, err := client.QueueSizes(cmd.Context())
		if err != nil {
			return err
		}
		for _, q := range queues {
			fmt.Printf("%s\t%d\n", q, sizes[q])
		}
		return nil
	},
}

var queuesPauseCmd = &cobra.Command{
	Use:   "pause <queue>",
	Short: "Stop dequeuing from a queue (enqueues still accepted)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return client.PauseQueue(cmd.Context(), args[0])
	},
}

var queuesResumeCmd = &cobra.Command{
	Use:   "resume <queue>",
	Short: "Resume dequeuing from a paused queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return client.ResumeQueue(cmd.Context(), args[0])
	},
}

var queuesClearCmd = &cobra.Command{
	Use:   "clear <queue>",
	Short: "Drop all waiting jobs from a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := client.ClearQueue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("removed %d jobs\n", n)
		return nil
	},
}

func init() {
	queuesCmd.AddCommand(queuesListCmd, queuesPauseCmd, queuesResumeCmd, queuesClearCmd)
}
