// Package storage defines the persistence boundary of the job subsystem.
// All subsystem state lives behind the Storage interface; the memory
// implementation backs tests and single-process embedding, the postgres
// implementation backs production fleets.
package storage

import (
	"context"
	"errors"
	"time"

	"flintq/internal/job"
	"flintq/internal/schedule"
)

// ErrNotFound is returned for operations on a missing job or schedule id.
var ErrNotFound = errors.New("not found")

// OrderBy names the sortable columns of ListJobs.
type OrderBy string

const (
	OrderByCreatedAt   OrderBy = "created_at"
	OrderByScheduledAt OrderBy = "scheduled_at"
	OrderByPriority    OrderBy = "priority"
	OrderByStatus      OrderBy = "status"
)

type OrderDir string

const (
	OrderAsc  OrderDir = "asc"
	OrderDesc OrderDir = "desc"
)

// Filter restricts ListJobs and CountJobs. Zero-valued fields do not
// filter. Tags match jobs carrying all of the given tags.
type Filter struct {
	Queue         string
	Statuses      []job.Status
	Priorities    []job.Priority
	Tags          []string
	WorkerID      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
	OrderBy       OrderBy
	OrderDir      OrderDir
}

// Statistics is a point-in-time snapshot of queue state.
type Statistics struct {
	JobsByStatus   map[job.Status]int `json:"jobs_by_status"`
	JobsByQueue    map[string]int     `json:"jobs_by_queue"`
	QueueSizes     map[string]int     `json:"queue_sizes"`
	ScheduleCounts map[string]int     `json:"schedule_counts"`
	CollectedAt    time.Time          `json:"collected_at"`
}

// Health reports backend reachability and basic depth information.
type Health struct {
	Healthy     bool           `json:"healthy"`
	Error       string         `json:"error,omitempty"`
	QueueDepths map[string]int `json:"queue_depths,omitempty"`
	CheckedAt   time.Time      `json:"checked_at"`
}

// DueSchedule pairs a due schedule with the job it materializes, so the
// coordinator can enqueue and advance the schedule in one sweep.
type DueSchedule struct {
	Schedule *schedule.Schedule
	Job      *job.Job
}

// Storage is the sole persistence boundary of the subsystem.
//
// Batch operations are atomic as a set where the backend supports it: the
// postgres implementation runs them in one transaction, the memory
// implementation applies them under a single lock hold.
type Storage interface {
	// Initialize prepares connections and schema. Idempotent.
	Initialize(ctx context.Context) error
	// Shutdown releases resources. Idempotent.
	Shutdown(ctx context.Context) error

	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	UpdateJob(ctx context.Context, j *job.Job) error
	DeleteJob(ctx context.Context, id string) error
	BatchCreateJobs(ctx context.Context, jobs []*job.Job) error
	BatchUpdateJobs(ctx context.Context, jobs []*job.Job) error

	// Enqueue persists a pending job onto its queue.
	Enqueue(ctx context.Context, queue string, j *job.Job) error
	// Dequeue atomically reserves up to batchSize due pending jobs for
	// workerID, ordered by priority then scheduled/created time. A paused
	// or empty queue yields an empty slice; Dequeue never blocks.
	Dequeue(ctx context.Context, queue, workerID string, priorities []job.Priority, batchSize int) ([]*job.Job, error)
	GetQueueSizes(ctx context.Context) (map[string]int, error)
	ClearQueue(ctx context.Context, queue string) (int, error)
	PauseQueue(ctx context.Context, queue string) error
	ResumeQueue(ctx context.Context, queue string) error
	IsQueuePaused(ctx context.Context, queue string) (bool, error)
	ListQueues(ctx context.Context) ([]string, error)

	CompleteJob(ctx context.Context, id string, result any) error
	// FailJob records a failure. With retry true the job is atomically
	// re-armed (retry count incremented, worker cleared, due time pushed
	// by its retry delay) instead of being left terminal.
	FailJob(ctx context.Context, id string, jobErr *job.Error, retry bool) error
	CancelJob(ctx context.Context, id, reason string) error

	ListJobs(ctx context.Context, f Filter) ([]*job.Job, error)
	CountJobs(ctx context.Context, f Filter) (int, error)

	// PruneJobs deletes terminal jobs whose completion predates olderThan.
	PruneJobs(ctx context.Context, statuses []job.Status, olderThan time.Time) (int, error)
	// RequeueStuck resets active jobs whose last transition predates
	// olderThan back to pending with their worker claim cleared. This is
	// the crash-recovery path for workers that died mid-execution.
	RequeueStuck(ctx context.Context, olderThan time.Time, statuses []job.Status) (int, error)

	GetStatistics(ctx context.Context) (*Statistics, error)
	CheckHealth(ctx context.Context) *Health

	// WithTransaction runs fn against a storage handle whose writes commit
	// or roll back as a unit. Backends without transactions run fn against
	// themselves.
	WithTransaction(ctx context.Context, fn func(tx Storage) error) error

	CreateSchedule(ctx context.Context, s *schedule.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error)
	ListSchedules(ctx context.Context, status schedule.Status, limit, offset int) ([]*schedule.Schedule, error)
	UpdateSchedule(ctx context.Context, s *schedule.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	// DueSchedules returns at most limit active schedules whose next run
	// has arrived, each paired with the job to materialize.
	DueSchedules(ctx context.Context, limit int) ([]*DueSchedule, error)
}
