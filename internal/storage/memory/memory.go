// Package memory implements storage.Storage as an in-process map. It is
// the reference backend for tests and single-process embedding; every
// operation, including dequeue selection and reservation, runs under one
// mutex so reservation is atomic by construction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"flintq/internal/job"
	"flintq/internal/schedule"
	"flintq/internal/storage"
)

type Storage struct {
	mu        sync.Mutex
	jobs      map[string]*job.Job
	schedules map[string]*schedule.Schedule
	paused    map[string]bool
	queues    map[string]struct{}
}

var _ storage.Storage = (*Storage)(nil)

func New() *Storage {
	return &Storage{
		jobs:      make(map[string]*job.Job),
		schedules: make(map[string]*schedule.Schedule),
		paused:    make(map[string]bool),
		queues:    map[string]struct{}{job.DefaultQueue: {}},
	}
}

func (m *Storage) Initialize(ctx context.Context) error { return nil }
func (m *Storage) Shutdown(ctx context.Context) error   { return nil }

func (m *Storage) CreateJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(j)
}

func (m *Storage) createLocked(j *job.Job) error {
	m.jobs[j.ID] = j.Clone()
	m.queues[j.QueueName] = struct{}{}
	return nil
}

func (m *Storage) GetJob(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Storage) UpdateJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return storage.ErrNotFound
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Storage) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Storage) BatchCreateJobs(ctx context.Context, jobs []*job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		if err := m.createLocked(j); err != nil {
			return err
		}
	}
	return nil
}

func (m *Storage) BatchUpdateJobs(ctx context.Context, jobs []*job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		if _, ok := m.jobs[j.ID]; !ok {
			return storage.ErrNotFound
		}
	}
	for _, j := range jobs {
		m.jobs[j.ID] = j.Clone()
	}
	return nil
}

func (m *Storage) Enqueue(ctx context.Context, queue string, j *job.Job) error {
	if queue != "" {
		j.QueueName = queue
	}
	return m.CreateJob(ctx, j)
}

// Dequeue selects and reserves under a single lock hold, so no two callers
// can observe the same job as pending.
func (m *Storage) Dequeue(ctx context.Context, queue, workerID string, priorities []job.Priority, batchSize int) ([]*job.Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused[queue] {
		return nil, nil
	}

	var candidates []*job.Job
	for _, j := range m.jobs {
		if j.QueueName != queue {
			continue
		}
		if j.Status != job.StatusPending && j.Status != job.StatusRetrying {
			continue
		}
		if !j.IsDue() {
			continue
		}
		if len(priorities) > 0 && !containsPriority(priorities, j.Priority) {
			continue
		}
		candidates = append(candidates, j)
	}

	sort.Slice(candidates, func(a, b int) bool {
		ja, jb := candidates[a], candidates[b]
		if ja.Priority != jb.Priority {
			return ja.Priority < jb.Priority
		}
		ta, tb := dueTime(ja), dueTime(jb)
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return ja.CreatedAt.Before(jb.CreatedAt)
	})

	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	out := make([]*job.Job, 0, len(candidates))
	for _, j := range candidates {
		if err := j.MarkReserved(workerID); err != nil {
			return nil, err
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

func dueTime(j *job.Job) time.Time {
	if j.ScheduledAt != nil {
		return *j.ScheduledAt
	}
	return j.CreatedAt
}

func containsPriority(ps []job.Priority, p job.Priority) bool {
	for _, c := range ps {
		if c == p {
			return true
		}
	}
	return false
}

func (m *Storage) GetQueueSizes(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make(map[string]int, len(m.queues))
	for q := range m.queues {
		sizes[q] = 0
	}
	for _, j := range m.jobs {
		if j.Status == job.StatusPending || j.Status == job.StatusRetrying {
			sizes[j.QueueName]++
		}
	}
	return sizes, nil
}

func (m *Storage) ClearQueue(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, j := range m.jobs {
		if j.QueueName == queue && (j.Status == job.StatusPending || j.Status == job.StatusRetrying) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Storage) PauseQueue(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[queue] = true
	m.queues[queue] = struct{}{}
	return nil
}

func (m *Storage) ResumeQueue(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, queue)
	return nil
}

func (m *Storage) IsQueuePaused(ctx context.Context, queue string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[queue], nil
}

func (m *Storage) ListQueues(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for q := range m.queues {
		out = append(out, q)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Storage) CompleteJob(ctx context.Context, id string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	return j.MarkCompleted(result)
}

func (m *Storage) FailJob(ctx context.Context, id string, jobErr *job.Error, retry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if retry && j.CanRetry() {
		return j.MarkRetry(jobErr)
	}
	return j.MarkFailed(jobErr)
}

func (m *Storage) CancelJob(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	return j.MarkCancelled(reason)
}

func (m *Storage) ListJobs(ctx context.Context, f storage.Filter) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*job.Job
	for _, j := range m.jobs {
		if matchFilter(j, f) {
			matched = append(matched, j)
		}
	}
	sortJobs(matched, f.OrderBy, f.OrderDir)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*job.Job, 0, len(matched))
	for _, j := range matched {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (m *Storage) CountJobs(ctx context.Context, f storage.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if matchFilter(j, f) {
			n++
		}
	}
	return n, nil
}

func matchFilter(j *job.Job, f storage.Filter) bool {
	if f.Queue != "" && j.QueueName != f.Queue {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, j.Priority) {
		return false
	}
	for _, tag := range f.Tags {
		if !j.HasTag(tag) {
			return false
		}
	}
	if f.WorkerID != "" && j.WorkerID != f.WorkerID {
		return false
	}
	if f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && j.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func sortJobs(jobs []*job.Job, by storage.OrderBy, dir storage.OrderDir) {
	less := func(a, b *job.Job) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch by {
	case storage.OrderByScheduledAt:
		less = func(a, b *job.Job) bool { return dueTime(a).Before(dueTime(b)) }
	case storage.OrderByPriority:
		less = func(a, b *job.Job) bool { return a.Priority < b.Priority }
	case storage.OrderByStatus:
		less = func(a, b *job.Job) bool { return a.Status < b.Status }
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		if dir == storage.OrderDesc {
			return less(jobs[k], jobs[i])
		}
		return less(jobs[i], jobs[k])
	})
}

func (m *Storage) PruneJobs(ctx context.Context, statuses []job.Status, olderThan time.Time) (int, error) {
	if len(statuses) == 0 {
		statuses = job.TerminalStatuses
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, j := range m.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if !containsStatus(statuses, j.Status) {
			continue
		}
		done := j.CreatedAt
		if j.CompletedAt != nil {
			done = *j.CompletedAt
		}
		if done.Before(olderThan) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// RequeueStuck resets abandoned jobs to pending. Staleness is judged by
// StartedAt for running jobs and CreatedAt otherwise, mirroring the
// wall-clock recovery model: there is no worker heartbeat.
func (m *Storage) RequeueStuck(ctx context.Context, olderThan time.Time, statuses []job.Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []job.Status{job.StatusReserved, job.StatusRunning}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	requeued := 0
	for _, j := range m.jobs {
		if j.Status.Terminal() || !containsStatus(statuses, j.Status) {
			continue
		}
		last := j.CreatedAt
		if j.StartedAt != nil {
			last = *j.StartedAt
		}
		if !last.Before(olderThan) {
			continue
		}
		j.Status = job.StatusPending
		j.WorkerID = ""
		j.StartedAt = nil
		requeued++
	}
	return requeued, nil
}

func containsStatus(ss []job.Status, s job.Status) bool {
	for _, c := range ss {
		if c == s {
			return true
		}
	}
	return false
}

func (m *Storage) GetStatistics(ctx context.Context) (*storage.Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &storage.Statistics{
		JobsByStatus:   make(map[job.Status]int),
		JobsByQueue:    make(map[string]int),
		QueueSizes:     make(map[string]int),
		ScheduleCounts: make(map[string]int),
		CollectedAt:    time.Now(),
	}
	for _, s := range job.AllStatuses {
		stats.JobsByStatus[s] = 0
	}
	for _, j := range m.jobs {
		stats.JobsByStatus[j.Status]++
		stats.JobsByQueue[j.QueueName]++
		if j.Status == job.StatusPending || j.Status == job.StatusRetrying {
			stats.QueueSizes[j.QueueName]++
		}
	}
	for _, s := range m.schedules {
		stats.ScheduleCounts[string(s.Status)]++
	}
	return stats, nil
}

func (m *Storage) CheckHealth(ctx context.Context) *storage.Health {
	sizes, _ := m.GetQueueSizes(ctx)
	return &storage.Health{
		Healthy:     true,
		QueueDepths: sizes,
		CheckedAt:   time.Now(),
	}
}

// WithTransaction runs fn directly against the store: every individual
// operation already serializes on the mutex, and the memory backend does
// not support rollback.
func (m *Storage) WithTransaction(ctx context.Context, fn func(tx storage.Storage) error) error {
	return fn(m)
}

func (m *Storage) CreateSchedule(ctx context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *Storage) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Storage) ListSchedules(ctx context.Context, status schedule.Status, limit, offset int) ([]*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*schedule.Schedule
	for _, s := range m.schedules {
		if status != "" && s.Status != status {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.Before(matched[k].CreatedAt)
	})
	if offset > 0 {
		if offset >= len(matched) {
			return nil, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*schedule.Schedule, 0, len(matched))
	for _, s := range matched {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *Storage) UpdateSchedule(ctx context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return storage.ErrNotFound
	}
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *Storage) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *Storage) DueSchedules(ctx context.Context, limit int) ([]*storage.DueSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*schedule.Schedule
	for _, s := range m.schedules {
		if s.IsDue() {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		return due[i].NextRunAt.Before(*due[k].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*storage.DueSchedule, 0, len(due))
	for _, s := range due {
		j, err := s.CreateJob()
		if err != nil {
			return nil, err
		}
		out = append(out, &storage.DueSchedule{Schedule: s.Clone(), Job: j})
	}
	return out, nil
}
