// Package flintq is a background job queue and scheduler meant to be
// embedded in a host process. Application code enqueues jobs and registers
// recurring schedules through a Client; one or more Coordinators (in this
// process or across a fleet sharing the same storage) pull due work,
// execute it on bounded worker pools and reconcile outcomes.
package flintq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flintq/internal/broker"
	"flintq/internal/job"
	"flintq/internal/schedule"
	"flintq/internal/storage"
)

// Client is the enqueue/administration surface over a Storage backend.
type Client struct {
	store storage.Storage
	pub   broker.Publisher // nil unless broker mirroring is enabled
}

func NewClient(store storage.Storage) *Client {
	return &Client{store: store}
}

// WithPublisher mirrors every enqueued job onto the publisher after it is
// persisted. Storage remains the source of truth; a publish failure is
// returned but the job is already safely enqueued.
func (c *Client) WithPublisher(pub broker.Publisher) *Client {
	c.pub = pub
	return c
}

// Enqueue persists a new pending job and returns it. The job runs as soon
// as a worker is free unless opts.ScheduledAt defers it.
func (c *Client) Enqueue(ctx context.Context, taskName string, opts job.Options) (*job.Job, error) {
	j, err := job.New(taskName, opts)
	if err != nil {
		return nil, err
	}
	if err := c.store.Enqueue(ctx, j.QueueName, j); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", taskName, err)
	}
	if c.pub != nil {
		payload, err := json.Marshal(j)
		if err != nil {
			return j, fmt.Errorf("marshal job for broker: %w", err)
		}
		if err := c.pub.Publish(j.QueueName, payload); err != nil {
			return j, fmt.Errorf("publish job to broker: %w", err)
		}
	}
	return j, nil
}

// EnqueueAt defers the job until the given instant.
func (c *Client) EnqueueAt(ctx context.Context, taskName string, at time.Time, opts job.Options) (*job.Job, error) {
	opts.ScheduledAt = &at
	return c.Enqueue(ctx, taskName, opts)
}

// EnqueueIn defers the job by the given duration.
func (c *Client) EnqueueIn(ctx context.Context, taskName string, delay time.Duration, opts job.Options) (*job.Job, error) {
	return c.EnqueueAt(ctx, taskName, time.Now().Add(delay), opts)
}

func (c *Client) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return c.store.GetJob(ctx, id)
}

func (c *Client) ListJobs(ctx context.Context, f storage.Filter) ([]*job.Job, error) {
	return c.store.ListJobs(ctx, f)
}

func (c *Client) CountJobs(ctx context.Context, f storage.Filter) (int, error) {
	return c.store.CountJobs(ctx, f)
}

// CancelJob cancels a not-yet-terminal job. Cancellation of a running job
// is cooperative: the record flips to cancelled, but the executing task
// stops only when it next observes its context.
func (c *Client) CancelJob(ctx context.Context, id, reason string) error {
	return c.store.CancelJob(ctx, id, reason)
}

func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.store.DeleteJob(ctx, id)
}

func (c *Client) PauseQueue(ctx context.Context, queue string) error {
	return c.store.PauseQueue(ctx, queue)
}

func (c *Client) ResumeQueue(ctx context.Context, queue string) error {
	return c.store.ResumeQueue(ctx, queue)
}

func (c *Client) Queues(ctx context.Context) ([]string, error) {
	return c.store.ListQueues(ctx)
}

func (c *Client) QueueSizes(ctx context.Context) (map[string]int, error) {
	return c.store.GetQueueSizes(ctx)
}

func (c *Client) ClearQueue(ctx context.Context, queue string) (int, error) {
	return c.store.ClearQueue(ctx, queue)
}

// ScheduleRecurring registers a recurring job template. Exactly one of
// opts.CronExpression and opts.Interval must be set.
func (c *Client) ScheduleRecurring(ctx context.Context, name, taskName string, opts schedule.Options) (*schedule.Schedule, error) {
	s, err := schedule.New(name, taskName, opts)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateSchedule(ctx, s); err != nil {
		return nil, fmt.Errorf("create schedule %s: %w", name, err)
	}
	return s, nil
}

func (c *Client) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	return c.store.GetSchedule(ctx, id)
}

func (c *Client) ListSchedules(ctx context.Context, status schedule.Status, limit, offset int) ([]*schedule.Schedule, error) {
	return c.store.ListSchedules(ctx, status, limit, offset)
}

func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.store.DeleteSchedule(ctx, id)
}

func (c *Client) PauseSchedule(ctx context.Context, id string) error {
	s, err := c.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	s.Pause()
	return c.store.UpdateSchedule(ctx, s)
}

// ResumeSchedule reactivates a paused schedule. With recompute true the
// next run is recalculated from now instead of firing immediately on a
// stale NextRunAt.
func (c *Client) ResumeSchedule(ctx context.Context, id string, recompute bool) error {
	s, err := c.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	s.Resume(recompute)
	return c.store.UpdateSchedule(ctx, s)
}

func (c *Client) Statistics(ctx context.Context) (*storage.Statistics, error) {
	return c.store.GetStatistics(ctx)
}

func (c *Client) Health(ctx context.Context) *storage.Health {
	return c.store.CheckHealth(ctx)
}
