package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"flintq/internal/lock"
	"flintq/internal/storage"
)

// maintenanceLoop periodically evaluates due schedules, recovers stuck
// jobs and prunes old terminal jobs. The sweep runs under a distributed
// lock so exactly one fleet member performs it per cadence; losing the
// lock race just means another coordinator is already on it.
func (c *Coordinator) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runMaintenance(ctx)
		}
	}
}

func (c *Coordinator) runMaintenance(ctx context.Context) {
	lease, err := c.locks.TryAcquire(ctx, maintenanceLock, c.opts.LockTTL, c.opts.WorkerID)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return
		}
		c.metrics.StorageErrors.Inc()
		log.Error().Err(err).Msg("maintenance lock acquisition failed")
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			log.Error().Err(err).Msg("maintenance lock release failed")
		}
	}()

	c.fireDueSchedules(ctx)
	c.recoverStuckJobs(ctx)
	c.pruneOldJobs(ctx)
	c.refreshQueueDepths(ctx)
}

func (c *Coordinator) fireDueSchedules(ctx context.Context) {
	due, err := c.store.DueSchedules(ctx, c.opts.ScheduleBatch)
	if err != nil {
		c.metrics.StorageErrors.Inc()
		log.Error().Err(err).Msg("due-schedule poll failed")
		return
	}

	for _, d := range due {
		d := d
		// Enqueue and schedule advance commit together, otherwise a crash
		// between the two would double-fire on the next sweep.
		err := c.store.WithTransaction(ctx, func(tx storage.Storage) error {
			if err := tx.Enqueue(ctx, d.Job.QueueName, d.Job); err != nil {
				return err
			}
			d.Schedule.UpdateNextRun()
			return tx.UpdateSchedule(ctx, d.Schedule)
		})
		if err != nil {
			c.metrics.StorageErrors.Inc()
			log.Error().Err(err).
				Str("schedule", d.Schedule.Name).
				Msg("schedule materialization failed")
			continue
		}
		c.metrics.SchedulesFired.Inc()
		log.Info().
			Str("schedule", d.Schedule.Name).
			Str("job_id", d.Job.ID).
			Time("next_run", *d.Schedule.NextRunAt).
			Msg("schedule fired")
	}
}

func (c *Coordinator) recoverStuckJobs(ctx context.Context) {
	cutoff := time.Now().Add(-c.opts.StuckAfter)
	n, err := c.store.RequeueStuck(ctx, cutoff, nil)
	if err != nil {
		c.metrics.StorageErrors.Inc()
		log.Error().Err(err).Msg("stuck-job sweep failed")
		return
	}
	if n > 0 {
		c.metrics.StuckRequeued.Add(float64(n))
		log.Warn().Int("count", n).Msg("requeued stuck jobs")
	}
}

func (c *Coordinator) pruneOldJobs(ctx context.Context) {
	if c.opts.PruneAfter <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.opts.PruneAfter)
	n, err := c.store.PruneJobs(ctx, nil, cutoff)
	if err != nil {
		c.metrics.StorageErrors.Inc()
		log.Error().Err(err).Msg("prune failed")
		return
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("pruned terminal jobs")
	}
}

func (c *Coordinator) refreshQueueDepths(ctx context.Context) {
	sizes, err := c.store.GetQueueSizes(ctx)
	if err != nil {
		return
	}
	for queue, depth := range sizes {
		c.metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}
