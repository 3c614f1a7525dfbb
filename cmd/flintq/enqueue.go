package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flintq/internal/job"
)

var enqueueFlags struct {
	queue      string
	priority   string
	args       string
	kwargs     string
	delay      time.Duration
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	tags       []string
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <task-name>",
	Short: "Enqueue a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, cmdArgs []string) error {
		priority, err := job.ParsePriority(enqueueFlags.priority)
		if err != nil {
			return err
		}

		opts := job.Options{
			QueueName:  enqueueFlags.queue,
			Priority:   &priority,
			RetryDelay: enqueueFlags.retryDelay,
			Timeout:    enqueueFlags.timeout,
			Tags:       enqueueFlags.tags,
		}
		if enqueueFlags.maxRetries >= 0 {
			n := enqueueFlags.maxRetries
			opts.MaxRetries = &n
		}
		if enqueueFlags.args != "" {
			if err := json.Unmarshal([]byte(enqueueFlags.args), &opts.Args); err != nil {
				return fmt.Errorf("parse --args: %w", err)
			}
		}
		if enqueueFlags.kwargs != "" {
			if err := json.Unmarshal([]byte(enqueueFlags.kwargs), &opts.Kwargs); err != nil {
				return fmt.Errorf("parse --kwargs: %w", err)
			}
		}

		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		var j *job.Job
		if enqueueFlags.delay > 0 {
			j, err = client.EnqueueIn(cmd.Context(), cmdArgs[0], enqueueFlags.delay, opts)
		} else {
			j, err = client.Enqueue(cmd.Context(), cmdArgs[0], opts)
		}
		if err != nil {
			return err
		}
		fmt.Println(j.ID)
		return nil
	},
}

func init() {
	f := enqueueCmd.Flags()
	f.StringVarP(&enqueueFlags.queue, "queue", "q", job.DefaultQueue, "queue name")
	f.StringVarP(&enqueueFlags.priority, "priority", "p", "normal", "critical|high|normal|low")
	f.StringVar(&enqueueFlags.args, "args", "", "positional args as a JSON array")
	f.StringVar(&enqueueFlags.kwargs, "kwargs", "", "named args as a JSON object")
	f.DurationVar(&enqueueFlags.delay, "in", 0, "defer execution by this duration")
	f.IntVar(&enqueueFlags.maxRetries, "max-retries", -1, "retry budget (default 3)")
	f.DurationVar(&enqueueFlags.retryDelay, "retry-delay", 0, "delay between retries (default 60s)")
	f.DurationVar(&enqueueFlags.timeout, "timeout", 0, "force-fail after this runtime")
	f.StringSliceVar(&enqueueFlags.tags, "tag", nil, "tag the job (repeatable)")
}
