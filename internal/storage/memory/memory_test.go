package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintq/internal/job"
	"flintq/internal/schedule"
	"flintq/internal/storage"
)

func mustJob(t *testing.T, task string, opts job.Options) *job.Job {
	t.Helper()
	j, err := job.New(task, opts)
	require.NoError(t, err)
	return j
}

func prio(p job.Priority) *job.Priority {
	return &p
}

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()

	at := time.Now().Add(time.Hour)
	j := mustJob(t, "send_email", job.Options{
		Args:        []any{"to@example.com"},
		Kwargs:      map[string]any{"subject": "hi"},
		QueueName:   "mail",
		Priority:    prio(job.PriorityHigh),
		ScheduledAt: &at,
		Tags:        []string{"mail", "outbound"},
		Metadata:    map[string]any{"tenant": "acme"},
		Timeout:     time.Minute,
	})
	require.NoError(t, store.CreateJob(ctx, j))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j, got)

	// The stored copy is isolated from caller mutation.
	got.Kwargs["subject"] = "changed"
	again, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Kwargs["subject"])
}

func TestGetJobNotFound(t *testing.T) {
	_, err := New().GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDequeuePriorityOrdering(t *testing.T) {
	ctx := context.Background()
	store := New()

	for _, p := range []job.Priority{job.PriorityLow, job.PriorityCritical, job.PriorityNormal, job.PriorityHigh} {
		j := mustJob(t, "task-"+p.String(), job.Options{Priority: prio(p)})
		require.NoError(t, store.Enqueue(ctx, job.DefaultQueue, j))
	}

	jobs, err := store.Dequeue(ctx, job.DefaultQueue, "w1", nil, 4)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	want := []job.Priority{job.PriorityCritical, job.PriorityHigh, job.PriorityNormal, job.PriorityLow}
	for i, j := range jobs {
		assert.Equal(t, want[i], j.Priority)
		assert.Equal(t, job.StatusReserved, j.Status)
		assert.Equal(t, "w1", j.WorkerID)
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	store := New()

	base := time.Now().Add(-time.Minute)
	var ids []string
	for i := 0; i < 5; i++ {
		j := mustJob(t, "task", job.Options{})
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateJob(ctx, j))
		ids = append(ids, j.ID)
	}

	jobs, err := store.Dequeue(ctx, job.DefaultQueue, "w1", nil, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 5)
	for i, j := range jobs {
		assert.Equal(t, ids[i], j.ID)
	}
}

func TestDequeueSkipsFutureAndForeign(t *testing.T) {
	ctx := context.Background()
	store := New()

	future := time.Now().Add(time.Hour)
	notDue := mustJob(t, "later", job.Options{ScheduledAt: &future})
	require.NoError(t, store.CreateJob(ctx, notDue))

	otherQueue := mustJob(t, "elsewhere", job.Options{QueueName: "other"})
	require.NoError(t, store.CreateJob(ctx, otherQueue))

	lowOnly := mustJob(t, "low", job.Options{Priority: prio(job.PriorityLow)})
	require.NoError(t, store.CreateJob(ctx, lowOnly))

	jobs, err := store.Dequeue(ctx, job.DefaultQueue, "w1", []job.Priority{job.PriorityCritical}, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "priority filter excludes the low job")

	jobs, err = store.Dequeue(ctx, job.DefaultQueue, "w1", nil, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, lowOnly.ID, jobs[0].ID)
}

func TestDequeuePausedQueueReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.CreateJob(ctx, mustJob(t, "task", job.Options{})))
	require.NoError(t, store.PauseQueue(ctx, job.DefaultQueue))

	jobs, err := store.Dequeue(ctx, job.DefaultQueue, "w1", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, store.ResumeQueue(ctx, job.DefaultQueue))
	jobs, err = store.Dequeue(ctx, job.DefaultQueue, "w1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestConcurrentDequeueReservesEachJobOnce(t *testing.T) {
	ctx := context.Background()
	store := New()

	const n = 64
	for i := 0; i < n; i++ {
		require.NoError(t, store.CreateJob(ctx, mustJob(t, fmt.Sprintf("task-%d", i), job.Options{})))
	}

	reserved := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			jobs, err := store.Dequeue(ctx, job.DefaultQueue, fmt.Sprintf("w-%d", worker), nil, 1)
			assert.NoError(t, err)
			for _, j := range jobs {
				reserved <- j.ID
			}
		}(i)
	}
	wg.Wait()
	close(reserved)

	seen := make(map[string]bool)
	for id := range reserved {
		assert.False(t, seen[id], "job %s reserved twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n, "every job reserved exactly once")
}

func TestFailJobRetryRearms(t *testing.T) {
	ctx := context.Background()
	store := New()

	one := 1
	j := mustJob(t, "flaky", job.Options{MaxRetries: &one, RetryDelay: time.Minute})
	require.NoError(t, store.CreateJob(ctx, j))

	jobs, err := store.Dequeue(ctx, job.DefaultQueue, "w1", nil, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	running := jobs[0]
	require.NoError(t, running.MarkRunning())
	require.NoError(t, store.UpdateJob(ctx, running))

	require.NoError(t, store.FailJob(ctx, j.ID, &job.Error{Kind: "Transient", Message: "try again"}, true))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.WorkerID)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.After(time.Now()), "retry delay defers the next attempt")

	// Not due yet, so invisible to dequeue.
	jobs, err = store.Dequeue(ctx, job.DefaultQueue, "w2", nil, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFailJobExhaustedBudgetFails(t *testing.T) {
	ctx := context.Background()
	store := New()

	zero := 0
	j := mustJob(t, "doomed", job.Options{MaxRetries: &zero})
	require.NoError(t, store.CreateJob(ctx, j))

	jobs, err := store.Dequeue(ctx, job.DefaultQueue, "w1", nil, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, jobs[0].MarkRunning())
	require.NoError(t, store.UpdateJob(ctx, jobs[0]))

	require.NoError(t, store.FailJob(ctx, j.ID, &job.Error{Kind: "Boom", Message: "no"}, true))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status, "retry with empty budget fails terminally")
	require.NotNil(t, got.CompletedAt)
}

func TestCompleteAndCancel(t *testing.T) {
	ctx := context.Background()
	store := New()

	j := mustJob(t, "task", job.Options{})
	require.NoError(t, store.CreateJob(ctx, j))

	require.NoError(t, store.CancelJob(ctx, j.ID, "operator request"))
	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Equal(t, "operator request", got.Metadata["cancel_reason"])

	// Terminal jobs reject further transitions.
	var te *job.TransitionError
	require.ErrorAs(t, store.CancelJob(ctx, j.ID, "again"), &te)
}

func TestRequeueStuck(t *testing.T) {
	ctx := context.Background()
	store := New()

	stuck := mustJob(t, "stuck", job.Options{})
	require.NoError(t, store.CreateJob(ctx, stuck))
	fresh := mustJob(t, "fresh", job.Options{})
	require.NoError(t, store.CreateJob(ctx, fresh))

	reserve := func(id string) {
		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		require.NoError(t, got.MarkReserved("dead-worker"))
		require.NoError(t, got.MarkRunning())
		require.NoError(t, store.UpdateJob(ctx, got))
	}
	reserve(stuck.ID)
	reserve(fresh.ID)

	// Backdate the stuck job's start an hour; the fresh one started now.
	got, err := store.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)
	got.StartedAt = &old
	require.NoError(t, store.UpdateJob(ctx, got))

	n, err := store.RequeueStuck(ctx, time.Now().Add(-10*time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, err := store.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, recovered.Status)
	assert.Empty(t, recovered.WorkerID)
	assert.Nil(t, recovered.StartedAt)

	untouched, err := store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, untouched.Status)
}

func TestPruneJobs(t *testing.T) {
	ctx := context.Background()
	store := New()

	oldDone := mustJob(t, "old", job.Options{})
	require.NoError(t, oldDone.MarkReserved("w"))
	require.NoError(t, oldDone.MarkRunning())
	require.NoError(t, oldDone.MarkCompleted(nil))
	past := time.Now().Add(-48 * time.Hour)
	oldDone.CompletedAt = &past
	require.NoError(t, store.CreateJob(ctx, oldDone))

	recentDone := mustJob(t, "recent", job.Options{})
	require.NoError(t, recentDone.MarkReserved("w"))
	require.NoError(t, recentDone.MarkRunning())
	require.NoError(t, recentDone.MarkCompleted(nil))
	require.NoError(t, store.CreateJob(ctx, recentDone))

	oldActive := mustJob(t, "active", job.Options{})
	oldActive.CreatedAt = past
	require.NoError(t, store.CreateJob(ctx, oldActive))

	n, err := store.PruneJobs(ctx, nil, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetJob(ctx, oldDone.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetJob(ctx, recentDone.ID)
	assert.NoError(t, err)
	_, err = store.GetJob(ctx, oldActive.ID)
	assert.NoError(t, err, "active jobs are never pruned")
}

func TestListJobsFilters(t *testing.T) {
	ctx := context.Background()
	store := New()

	mail := mustJob(t, "send", job.Options{QueueName: "mail", Tags: []string{"outbound", "mail"}})
	require.NoError(t, store.CreateJob(ctx, mail))
	batch := mustJob(t, "crunch", job.Options{QueueName: "batch", Priority: prio(job.PriorityLow)})
	require.NoError(t, store.CreateJob(ctx, batch))

	jobs, err := store.ListJobs(ctx, storage.Filter{Queue: "mail"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, mail.ID, jobs[0].ID)

	jobs, err = store.ListJobs(ctx, storage.Filter{Tags: []string{"outbound", "mail"}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = store.ListJobs(ctx, storage.Filter{Tags: []string{"outbound", "inbound"}})
	require.NoError(t, err)
	assert.Empty(t, jobs, "all tags must match")

	n, err := store.CountJobs(ctx, storage.Filter{Priorities: []job.Priority{job.PriorityLow}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err = store.ListJobs(ctx, storage.Filter{OrderBy: storage.OrderByPriority, Limit: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, mail.ID, jobs[0].ID, "normal sorts before low ascending")
}

func TestBatchOperations(t *testing.T) {
	ctx := context.Background()
	store := New()

	jobs := []*job.Job{
		mustJob(t, "a", job.Options{}),
		mustJob(t, "b", job.Options{}),
		mustJob(t, "c", job.Options{}),
	}
	require.NoError(t, store.BatchCreateJobs(ctx, jobs))

	n, err := store.CountJobs(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, j := range jobs {
		j.Tags = []string{"batch"}
	}
	require.NoError(t, store.BatchUpdateJobs(ctx, jobs))

	tagged, err := store.CountJobs(ctx, storage.Filter{Tags: []string{"batch"}})
	require.NoError(t, err)
	assert.Equal(t, 3, tagged)

	// An update set containing an unknown job changes nothing.
	ghost := mustJob(t, "ghost", job.Options{})
	err = store.BatchUpdateJobs(ctx, []*job.Job{ghost})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueueAccounting(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.Enqueue(ctx, "mail", mustJob(t, "a", job.Options{})))
	require.NoError(t, store.Enqueue(ctx, "mail", mustJob(t, "b", job.Options{})))
	require.NoError(t, store.Enqueue(ctx, "batch", mustJob(t, "c", job.Options{})))

	sizes, err := store.GetQueueSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sizes["mail"])
	assert.Equal(t, 1, sizes["batch"])

	queues, err := store.ListQueues(ctx)
	require.NoError(t, err)
	assert.Contains(t, queues, "mail")
	assert.Contains(t, queues, "batch")

	n, err := store.ClearQueue(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStatisticsAndHealth(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.CreateJob(ctx, mustJob(t, "a", job.Options{})))
	done := mustJob(t, "b", job.Options{})
	require.NoError(t, done.MarkReserved("w"))
	require.NoError(t, done.MarkRunning())
	require.NoError(t, done.MarkCompleted(nil))
	require.NoError(t, store.CreateJob(ctx, done))

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.JobsByStatus[job.StatusPending])
	assert.Equal(t, 1, stats.JobsByStatus[job.StatusCompleted])
	assert.Equal(t, 2, stats.JobsByQueue[job.DefaultQueue])

	h := store.CheckHealth(ctx)
	assert.True(t, h.Healthy)
	assert.Equal(t, 1, h.QueueDepths[job.DefaultQueue])
}

func TestScheduleCRUDAndDue(t *testing.T) {
	ctx := context.Background()
	store := New()

	s, err := schedule.New("cleanup", "prune", schedule.Options{Interval: &schedule.Interval{Hours: 1}})
	require.NoError(t, err)
	require.NoError(t, store.CreateSchedule(ctx, s))

	got, err := store.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	due, err := store.DueSchedules(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "next run is an hour out")

	past := time.Now().Add(-time.Minute)
	got.NextRunAt = &past
	require.NoError(t, store.UpdateSchedule(ctx, got))

	due, err = store.DueSchedules(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, s.ID, due[0].Schedule.ID)
	assert.Equal(t, s.ID, due[0].Job.Metadata["schedule_id"])
	assert.Equal(t, "cleanup", due[0].Job.Metadata["schedule_name"])

	require.NoError(t, store.DeleteSchedule(ctx, s.ID))
	_, err = store.GetSchedule(ctx, s.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.DeleteSchedule(ctx, s.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithTransactionPassesThrough(t *testing.T) {
	ctx := context.Background()
	store := New()

	err := store.WithTransaction(ctx, func(tx storage.Storage) error {
		return tx.CreateJob(ctx, mustJob(t, "task", job.Options{}))
	})
	require.NoError(t, err)

	n, err := store.CountJobs(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wantErr := errors.New("abort")
	err = store.WithTransaction(ctx, func(tx storage.Storage) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}
