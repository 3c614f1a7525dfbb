package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintq/internal/job"
	"flintq/internal/lock"
	"flintq/internal/schedule"
	"flintq/internal/storage/memory"
)

func fastOptions() Options {
	return Options{
		WorkerCount:         4,
		PollInterval:        10 * time.Millisecond,
		BatchSize:           5,
		MaintenanceInterval: 20 * time.Millisecond,
		StuckAfter:          50 * time.Millisecond,
		LockTTL:             time.Second,
		WorkerID:            "test-worker",
	}
}

func startCoordinator(t *testing.T, store *memory.Storage, registry *Registry, opts Options) *Coordinator {
	t.Helper()
	c := New(store, lock.NewMemoryManager(), registry, nil, opts)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, c.Stop(ctx))
	})
	return c
}

func waitForStatus(t *testing.T, store *memory.Storage, id string, want job.Status) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return got
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, j *job.Job) (any, error) { return nil, nil }

	require.NoError(t, r.Register("send_email", noop))
	assert.Error(t, r.Register("send_email", noop))
	assert.Contains(t, r.Names(), "send_email")
}

func TestJobCompletes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	registry := NewRegistry()
	require.NoError(t, registry.Register("greet", func(ctx context.Context, j *job.Job) (any, error) {
		return "hello " + j.Args[0].(string), nil
	}))

	j, err := job.New("greet", job.Options{Args: []any{"world"}})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))

	startCoordinator(t, store, registry, fastOptions())

	done := waitForStatus(t, store, j.ID, job.StatusCompleted)
	assert.Equal(t, "hello world", done.Result)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestFailureRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	var attempts atomic.Int32
	registry := NewRegistry()
	require.NoError(t, registry.Register("flaky", func(ctx context.Context, j *job.Job) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient glitch")
		}
		return "ok", nil
	}))

	two := 2
	j, err := job.New("flaky", job.Options{MaxRetries: &two, RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))

	startCoordinator(t, store, registry, fastOptions())

	done := waitForStatus(t, store, j.ID, job.StatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestFailureWithoutBudgetIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	registry := NewRegistry()
	require.NoError(t, registry.Register("doomed", func(ctx context.Context, j *job.Job) (any, error) {
		return nil, errors.New("always broken")
	}))

	zero := 0
	j, err := job.New("doomed", job.Options{MaxRetries: &zero})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))

	startCoordinator(t, store, registry, fastOptions())

	failed := waitForStatus(t, store, j.ID, job.StatusFailed)
	require.NotNil(t, failed.Err)
	assert.Contains(t, failed.Err.Message, "always broken")
	assert.Equal(t, 0, failed.RetryCount)
}

func TestMissingHandlerFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	j, err := job.New("nobody_home", job.Options{})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))

	startCoordinator(t, store, NewRegistry(), fastOptions())

	failed := waitForStatus(t, store, j.ID, job.StatusFailed)
	require.NotNil(t, failed.Err)
	assert.Equal(t, "HandlerNotFound", failed.Err.Kind)
	assert.Equal(t, 0, failed.RetryCount, "unroutable jobs are not retried")
}

func TestPanicIsCapturedAsFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	registry := NewRegistry()
	require.NoError(t, registry.Register("explode", func(ctx context.Context, j *job.Job) (any, error) {
		panic("kaboom")
	}))

	zero := 0
	j, err := job.New("explode", job.Options{MaxRetries: &zero})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))

	startCoordinator(t, store, registry, fastOptions())

	failed := waitForStatus(t, store, j.ID, job.StatusFailed)
	require.NotNil(t, failed.Err)
	assert.Contains(t, failed.Err.Message, "kaboom")
	assert.NotEmpty(t, failed.Err.Stack)
}

func TestTimeoutCancelsAndRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	handlerDone := make(chan struct{})
	registry := NewRegistry()
	require.NoError(t, registry.Register("slow", func(ctx context.Context, j *job.Job) (any, error) {
		defer close(handlerDone)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	j, err := job.New("slow", job.Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))

	startCoordinator(t, store, registry, fastOptions())

	timedOut := waitForStatus(t, store, j.ID, job.StatusTimeout)
	require.NotNil(t, timedOut.Err)
	assert.Equal(t, "TimeoutError", timedOut.Err.Kind)

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed cancellation")
	}
}

func TestScheduleFiresAndAdvances(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	done := make(chan struct{}, 1)
	registry := NewRegistry()
	require.NoError(t, registry.Register("tick", func(ctx context.Context, j *job.Job) (any, error) {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil, nil
	}))

	s, err := schedule.New("heartbeat", "tick", schedule.Options{Interval: &schedule.Interval{Hours: 1}})
	require.NoError(t, err)
	past := time.Now().Add(-time.Second)
	s.NextRunAt = &past
	require.NoError(t, store.CreateSchedule(ctx, s))

	startCoordinator(t, store, registry, fastOptions())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule never materialized a job")
	}

	require.Eventually(t, func() bool {
		got, err := store.GetSchedule(ctx, s.ID)
		return err == nil && got.NextRunAt != nil && got.NextRunAt.After(time.Now())
	}, 5*time.Second, 10*time.Millisecond, "next run was not advanced")
}

func TestStuckJobIsRequeued(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	// Parked on a queue this coordinator does not poll, so recovery is
	// observable without the job being re-executed.
	j, err := job.New("orphaned", job.Options{QueueName: "unpolled"})
	require.NoError(t, err)
	require.NoError(t, j.MarkReserved("dead-worker"))
	require.NoError(t, j.MarkRunning())
	old := time.Now().Add(-time.Hour)
	j.StartedAt = &old
	require.NoError(t, store.CreateJob(ctx, j))

	opts := fastOptions()
	opts.Queues = []string{job.DefaultQueue}
	startCoordinator(t, store, NewRegistry(), opts)

	recovered := waitForStatus(t, store, j.ID, job.StatusPending)
	assert.Empty(t, recovered.WorkerID)
	assert.Nil(t, recovered.StartedAt)
}

func TestStopWaitsForInflightJob(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	started := make(chan struct{})
	release := make(chan struct{})
	registry := NewRegistry()
	require.NoError(t, registry.Register("holdup", func(ctx context.Context, j *job.Job) (any, error) {
		close(started)
		<-release
		return "finished", nil
	}))

	j, err := job.New("holdup", job.Options{})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))

	c := New(store, lock.NewMemoryManager(), registry, nil, fastOptions())
	require.NoError(t, c.Start(ctx))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- c.Stop(stopCtx)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a job was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)

	done := waitForStatus(t, store, j.ID, job.StatusCompleted)
	assert.Equal(t, "finished", done.Result)
}
