// Package coordinator implements the pull loop at the heart of the job
// subsystem: it dequeues due work from storage, dispatches it to a bounded
// worker pool, reconciles outcomes, and runs the lock-guarded maintenance
// sweep (schedule evaluation, stuck-job recovery, pruning). Any number of
// coordinators may run against shared storage; the dequeue reservation in
// the storage layer is the only serialization point.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"flintq/internal/job"
	"flintq/internal/lock"
	"flintq/internal/metrics"
	"flintq/internal/storage"
	"flintq/pkg/backoff"
)

const maintenanceLock = "flintq:maintenance"

// storeRetries bounds how often a failed storage call is retried before
// the error is surfaced to metrics and the loop moves on.
const storeRetries = 3

type Options struct {
	Queues              []string
	WorkerCount         int
	PollInterval        time.Duration
	BatchSize           int
	MaintenanceInterval time.Duration
	StuckAfter          time.Duration
	ScheduleBatch       int
	PruneAfter          time.Duration // zero disables pruning
	LockTTL             time.Duration
	WorkerID            string
}

func (o Options) withDefaults() Options {
	if len(o.Queues) == 0 {
		o.Queues = []string{job.DefaultQueue}
	}
	if o.WorkerCount <= 0 {
		o.WorkerCount = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = 15 * time.Second
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 10 * time.Minute
	}
	if o.ScheduleBatch <= 0 {
		o.ScheduleBatch = 50
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Minute
	}
	if o.WorkerID == "" {
		host, _ := os.Hostname()
		o.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return o
}

type Coordinator struct {
	store    storage.Storage
	locks    lock.Manager
	registry *Registry
	metrics  *metrics.Metrics
	opts     Options

	sem    *semaphore.Weighted
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New builds a coordinator from its explicit collaborators. Nothing is
// ambient: the host process owns the storage, the lock manager and the
// coordinator's lifetime.
func New(store storage.Storage, locks lock.Manager, registry *Registry, m *metrics.Metrics, opts Options) *Coordinator {
	if m == nil {
		m = metrics.NewNop()
	}
	opts = opts.withDefaults()
	return &Coordinator{
		store:    store,
		locks:    locks,
		registry: registry,
		metrics:  m,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.WorkerCount)),
	}
}

// WorkerID identifies this coordinator instance in job reservations.
func (c *Coordinator) WorkerID() string {
	return c.opts.WorkerID
}

// Start launches the poll and maintenance loops. It returns immediately;
// call Stop to shut down.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.pollLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.maintenanceLoop(ctx)
	}()

	log.Info().
		Str("worker_id", c.opts.WorkerID).
		Strs("queues", c.opts.Queues).
		Int("workers", c.opts.WorkerCount).
		Msg("coordinator started")
	return nil
}

// Stop cancels the loops and waits for in-flight jobs, bounded by ctx.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Str("worker_id", c.opts.WorkerID).Msg("coordinator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator stop: %w", ctx.Err())
	}
}

func (c *Coordinator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range c.opts.Queues {
				c.pollQueue(ctx, queue)
			}
		}
	}
}

func (c *Coordinator) pollQueue(ctx context.Context, queue string) {
	var jobs []*job.Job
	err := c.withStoreRetry(ctx, "dequeue", func() error {
		var err error
		jobs, err = c.store.Dequeue(ctx, queue, c.opts.WorkerID, nil, c.opts.BatchSize)
		return err
	})
	if err != nil {
		return
	}

	for _, j := range jobs {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			// Shutting down with a reserved job in hand; the stuck-job
			// sweep will recover it if this process dies before release.
			c.releaseReservation(j)
			return
		}
		c.wg.Add(1)
		go func(j *job.Job) {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.execute(ctx, j)
		}(j)
	}
}

// releaseReservation puts a reserved-but-undispatched job back to pending.
func (c *Coordinator) releaseReservation(j *job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j.Status = job.StatusPending
	j.WorkerID = ""
	if err := c.store.UpdateJob(ctx, j); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("failed to release reservation")
		c.metrics.StorageErrors.Inc()
	}
}

type outcome struct {
	result any
	err    error
}

func (c *Coordinator) execute(ctx context.Context, j *job.Job) {
	c.metrics.WorkersBusy.Inc()
	defer c.metrics.WorkersBusy.Dec()

	if err := j.MarkRunning(); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("refusing to run job")
		return
	}
	if err := c.withStoreRetry(ctx, "mark running", func() error {
		return c.store.UpdateJob(ctx, j)
	}); err != nil {
		return
	}

	handler, ok := c.registry.Get(j.TaskName)
	if !ok {
		c.recordFailure(ctx, j, &job.Error{
			Kind:    "HandlerNotFound",
			Message: fmt.Sprintf("no handler registered for task %q", j.TaskName),
		}, false)
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if j.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: job.NormalizeErrorWithStack(fmt.Errorf("handler panicked: %v", r))}
			}
		}()
		res, err := handler(runCtx, j.Clone())
		results <- outcome{result: res, err: err}
	}()

	var timeoutCh <-chan time.Time
	if j.Timeout > 0 {
		timeoutCh = time.After(j.Timeout)
	}

	start := time.Now()
	select {
	case <-timeoutCh:
		cancel() // the task keeps its goroutine until it honors the context
		c.recordTimeout(ctx, j)
	case o := <-results:
		c.metrics.JobDuration.WithLabelValues(j.QueueName).Observe(time.Since(start).Seconds())
		if o.err != nil {
			c.recordFailure(ctx, j, job.NormalizeError(o.err), j.CanRetry())
			return
		}
		c.recordSuccess(ctx, j, o.result)
	}
}

func (c *Coordinator) recordSuccess(ctx context.Context, j *job.Job, result any) {
	if err := c.withStoreRetry(ctx, "complete job", func() error {
		return c.store.CompleteJob(ctx, j.ID, result)
	}); err != nil {
		return
	}
	c.metrics.JobsProcessed.WithLabelValues(j.QueueName, string(job.StatusCompleted)).Inc()
	log.Debug().Str("job_id", j.ID).Str("task", j.TaskName).Msg("job completed")
}

func (c *Coordinator) recordFailure(ctx context.Context, j *job.Job, jobErr *job.Error, retry bool) {
	if err := c.withStoreRetry(ctx, "fail job", func() error {
		return c.store.FailJob(ctx, j.ID, jobErr, retry)
	}); err != nil {
		return
	}
	status := job.StatusFailed
	if retry {
		status = job.StatusRetrying
	}
	c.metrics.JobsProcessed.WithLabelValues(j.QueueName, string(status)).Inc()
	log.Warn().
		Str("job_id", j.ID).
		Str("task", j.TaskName).
		Str("kind", jobErr.Kind).
		Bool("retry", retry).
		Msg(jobErr.Message)
}

func (c *Coordinator) recordTimeout(ctx context.Context, j *job.Job) {
	if err := j.MarkTimeout(); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("timeout on non-running job")
		return
	}
	if err := c.withStoreRetry(ctx, "timeout job", func() error {
		return c.store.UpdateJob(ctx, j)
	}); err != nil {
		return
	}
	c.metrics.JobsProcessed.WithLabelValues(j.QueueName, string(job.StatusTimeout)).Inc()
	log.Warn().
		Str("job_id", j.ID).
		Str("task", j.TaskName).
		Dur("timeout", j.Timeout).
		Msg("job timed out")
}

// withStoreRetry retries transient storage failures with jittered backoff.
// Exhausted retries are logged and counted, never propagated into a crash
// of the loop.
func (c *Coordinator) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= storeRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff.ExponentialJitter(100*time.Millisecond, 2*time.Second, attempt)):
		}
	}
	c.metrics.StorageErrors.Inc()
	log.Error().Err(err).Str("op", op).Msg("storage operation failed after retries")
	return err
}
