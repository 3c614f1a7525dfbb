package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"flintq/internal/job"
	"flintq/internal/storage"
)

// jobColumns is the canonical select list every job query shares.
const jobColumns = `id, task_name, args, kwargs, version, queue_name, priority,
	scheduled_at, status, retry_count, max_retries, retry_delay_ms, timeout_ms,
	worker_id, created_at, started_at, completed_at, result, error, tags, metadata`

func (s *Storage) CreateJob(ctx context.Context, j *job.Job) error {
	args, err := marshalJSON(j.Args)
	if err != nil {
		return err
	}
	kwargs, err := marshalJSON(j.Kwargs)
	if err != nil {
		return err
	}
	result, err := marshalJSON(j.Result)
	if err != nil {
		return err
	}
	jobErr, err := marshalJSON(j.Err)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(j.Metadata)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO flintq_jobs (
			id, task_name, args, kwargs, version, queue_name, priority,
			scheduled_at, status, retry_count, max_retries, retry_delay_ms,
			timeout_ms, worker_id, created_at, started_at, completed_at,
			result, error, tags, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21
		)`,
		j.ID, j.TaskName, args, kwargs, j.Version, j.QueueName, int(j.Priority),
		j.ScheduledAt, string(j.Status), j.RetryCount, j.MaxRetries,
		j.RetryDelay.Milliseconds(), j.Timeout.Milliseconds(), j.WorkerID,
		j.CreatedAt, j.StartedAt, j.CompletedAt, result, jobErr,
		pq.Array(j.Tags), meta,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func (s *Storage) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM flintq_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return j, err
}

func (s *Storage) UpdateJob(ctx context.Context, j *job.Job) error {
	args, err := marshalJSON(j.Args)
	if err != nil {
		return err
	}
	kwargs, err := marshalJSON(j.Kwargs)
	if err != nil {
		return err
	}
	result, err := marshalJSON(j.Result)
	if err != nil {
		return err
	}
	jobErr, err := marshalJSON(j.Err)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(j.Metadata)
	if err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE flintq_jobs SET
			task_name = $2, args = $3, kwargs = $4, version = $5,
			queue_name = $6, priority = $7, scheduled_at = $8, status = $9,
			retry_count = $10, max_retries = $11, retry_delay_ms = $12,
			timeout_ms = $13, worker_id = $14, started_at = $15,
			completed_at = $16, result = $17, error = $18, tags = $19,
			metadata = $20
		WHERE id = $1`,
		j.ID, j.TaskName, args, kwargs, j.Version, j.QueueName,
		int(j.Priority), j.ScheduledAt, string(j.Status), j.RetryCount,
		j.MaxRetries, j.RetryDelay.Milliseconds(), j.Timeout.Milliseconds(),
		j.WorkerID, j.StartedAt, j.CompletedAt, result, jobErr,
		pq.Array(j.Tags), meta,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	return requireAffected(res)
}

func (s *Storage) DeleteJob(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM flintq_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Storage) BatchCreateJobs(ctx context.Context, jobs []*job.Job) error {
	return s.WithTransaction(ctx, func(tx storage.Storage) error {
		for _, j := range jobs {
			if err := tx.CreateJob(ctx, j); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) BatchUpdateJobs(ctx context.Context, jobs []*job.Job) error {
	return s.WithTransaction(ctx, func(tx storage.Storage) error {
		for _, j := range jobs {
			if err := tx.UpdateJob(ctx, j); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) Enqueue(ctx context.Context, queue string, j *job.Job) error {
	if queue != "" {
		j.QueueName = queue
	}
	return s.CreateJob(ctx, j)
}

// Dequeue reserves due pending jobs with a single UPDATE over a
// SKIP LOCKED subselect, so two concurrent callers can never claim the
// same row.
func (s *Storage) Dequeue(ctx context.Context, queue, workerID string, priorities []job.Priority, batchSize int) ([]*job.Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	paused, err := s.IsQueuePaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	where := `queue_name = $2
		AND status IN ('pending', 'retrying')
		AND (scheduled_at IS NULL OR scheduled_at <= now())`
	args := []any{workerID, queue}
	if len(priorities) > 0 {
		ints := make([]int64, len(priorities))
		for i, p := range priorities {
			ints[i] = int64(p)
		}
		where += ` AND priority = ANY($3)`
		args = append(args, pq.Array(ints))
	}
	args = append(args, batchSize)

	query := fmt.Sprintf(`
		UPDATE flintq_jobs SET status = 'reserved', worker_id = $1
		WHERE id IN (
			SELECT id FROM flintq_jobs
			WHERE %s
			ORDER BY priority ASC, COALESCE(scheduled_at, created_at) ASC, created_at ASC
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, where, len(args), jobColumns)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING order is not guaranteed to follow the subselect.
	sortReserved(jobs)
	return jobs, nil
}

func sortReserved(jobs []*job.Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && lessReserved(jobs[k], jobs[k-1]); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

func lessReserved(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	at, bt := a.CreatedAt, b.CreatedAt
	if a.ScheduledAt != nil {
		at = *a.ScheduledAt
	}
	if b.ScheduledAt != nil {
		bt = *b.ScheduledAt
	}
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Storage) ClearQueue(ctx context.Context, queue string) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM flintq_jobs
		WHERE queue_name = $1 AND status IN ('pending', 'retrying')
	`, queue)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Storage) CompleteJob(ctx context.Context, id string, result any) error {
	payload, err := marshalJSON(result)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE flintq_jobs
		SET status = 'completed', completed_at = now(), result = $2
		WHERE id = $1 AND status = 'running'
	`, id, payload)
	if err != nil {
		return err
	}
	return s.explainNoEffect(ctx, res, id, job.StatusCompleted)
}

func (s *Storage) FailJob(ctx context.Context, id string, jobErr *job.Error, retry bool) error {
	payload, err := marshalJSON(jobErr)
	if err != nil {
		return err
	}
	if retry {
		res, err := s.q.ExecContext(ctx, `
			UPDATE flintq_jobs
			SET status = 'retrying',
			    retry_count = retry_count + 1,
			    worker_id = '',
			    error = $2,
			    scheduled_at = now() + retry_delay_ms * interval '1 millisecond'
			WHERE id = $1 AND status = 'running' AND retry_count < max_retries
		`, id, payload)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		// Retry budget exhausted or job not running; fall through to fail.
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE flintq_jobs
		SET status = 'failed', completed_at = now(), error = $2
		WHERE id = $1 AND status = 'running'
	`, id, payload)
	if err != nil {
		return err
	}
	return s.explainNoEffect(ctx, res, id, job.StatusFailed)
}

func (s *Storage) CancelJob(ctx context.Context, id, reason string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE flintq_jobs
		SET status = 'cancelled',
		    completed_at = now(),
		    metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('cancel_reason', $2::text)
		WHERE id = $1 AND status IN ('pending', 'reserved', 'running', 'retrying')
	`, id, reason)
	if err != nil {
		return err
	}
	return s.explainNoEffect(ctx, res, id, job.StatusCancelled)
}

// explainNoEffect turns a zero-row conditional update into the error the
// caller can act on: missing row or illegal transition.
func (s *Storage) explainNoEffect(ctx context.Context, res sql.Result, id string, to job.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return &job.TransitionError{JobID: id, From: current.Status, To: to}
}

func (s *Storage) ListJobs(ctx context.Context, f storage.Filter) ([]*job.Job, error) {
	where, args := buildJobFilter(f)

	orderBy := "created_at"
	switch f.OrderBy {
	case storage.OrderByScheduledAt:
		orderBy = "COALESCE(scheduled_at, created_at)"
	case storage.OrderByPriority:
		orderBy = "priority"
	case storage.OrderByStatus:
		orderBy = "status"
	}
	dir := "ASC"
	if f.OrderDir == storage.OrderDesc {
		dir = "DESC"
	}

	query := `SELECT ` + jobColumns + ` FROM flintq_jobs WHERE ` + where +
		fmt.Sprintf(` ORDER BY %s %s`, orderBy, dir)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Storage) CountJobs(ctx context.Context, f storage.Filter) (int, error) {
	where, args := buildJobFilter(f)
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flintq_jobs WHERE `+where, args...).Scan(&n)
	return n, err
}

func buildJobFilter(f storage.Filter) (string, []any) {
	where := []string{"1=1"}
	var args []any

	if f.Queue != "" {
		args = append(args, f.Queue)
		where = append(where, fmt.Sprintf("queue_name = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		strs := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			strs[i] = string(st)
		}
		args = append(args, pq.Array(strs))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(f.Priorities) > 0 {
		ints := make([]int64, len(f.Priorities))
		for i, p := range f.Priorities {
			ints[i] = int64(p)
		}
		args = append(args, pq.Array(ints))
		where = append(where, fmt.Sprintf("priority = ANY($%d)", len(args)))
	}
	if len(f.Tags) > 0 {
		args = append(args, pq.Array(f.Tags))
		where = append(where, fmt.Sprintf("tags @> $%d", len(args)))
	}
	if f.WorkerID != "" {
		args = append(args, f.WorkerID)
		where = append(where, fmt.Sprintf("worker_id = $%d", len(args)))
	}
	if f.CreatedAfter != nil {
		args = append(args, *f.CreatedAfter)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.CreatedBefore != nil {
		args = append(args, *f.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (s *Storage) PruneJobs(ctx context.Context, statuses []job.Status, olderThan time.Time) (int, error) {
	if len(statuses) == 0 {
		statuses = job.TerminalStatuses
	}
	strs := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if !st.Terminal() {
			return 0, fmt.Errorf("prune: %s is not a terminal status", st)
		}
		strs = append(strs, string(st))
	}
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM flintq_jobs
		WHERE status = ANY($1) AND COALESCE(completed_at, created_at) < $2
	`, pq.Array(strs), olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Storage) RequeueStuck(ctx context.Context, olderThan time.Time, statuses []job.Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []job.Status{job.StatusReserved, job.StatusRunning}
	}
	strs := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st.Terminal() {
			return 0, fmt.Errorf("requeue stuck: %s is terminal", st)
		}
		strs = append(strs, string(st))
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE flintq_jobs
		SET status = 'pending', worker_id = '', started_at = NULL
		WHERE status = ANY($1) AND COALESCE(started_at, created_at) < $2
	`, pq.Array(strs), olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		args        []byte
		kwargs      []byte
		result      []byte
		jobErr      []byte
		meta        []byte
		tags        pq.StringArray
		priority    int
		status      string
		retryDelay  int64
		timeout     int64
		scheduledAt sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&j.ID, &j.TaskName, &args, &kwargs, &j.Version, &j.QueueName,
		&priority, &scheduledAt, &status, &j.RetryCount, &j.MaxRetries,
		&retryDelay, &timeout, &j.WorkerID, &j.CreatedAt, &startedAt,
		&completedAt, &result, &jobErr, &tags, &meta,
	)
	if err != nil {
		return nil, err
	}

	j.Priority = job.Priority(priority)
	j.Status = job.Status(status)
	j.RetryDelay = time.Duration(retryDelay) * time.Millisecond
	j.Timeout = time.Duration(timeout) * time.Millisecond
	j.Tags = tags
	if scheduledAt.Valid {
		t := scheduledAt.Time
		j.ScheduledAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if err := unmarshalJSON(args, &j.Args); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(kwargs, &j.Kwargs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(result, &j.Result); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &j.Metadata); err != nil {
		return nil, err
	}
	if len(jobErr) > 0 {
		var e job.Error
		if err := json.Unmarshal(jobErr, &e); err != nil {
			return nil, err
		}
		j.Err = &e
	}
	return &j, nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
