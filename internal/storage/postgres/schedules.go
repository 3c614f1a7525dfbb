package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"flintq/internal/job"
	"flintq/internal/schedule"
	"flintq/internal/storage"
)

const scheduleColumns = `id, name, cron_expression, interval_spec, task_name,
	args, kwargs, queue_name, priority, tags, metadata, max_retries,
	retry_delay_ms, timeout_ms, version, status, last_run_at, next_run_at,
	created_at`

func (s *Storage) CreateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	args, err := marshalJSON(sc.Args)
	if err != nil {
		return err
	}
	kwargs, err := marshalJSON(sc.Kwargs)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(sc.Metadata)
	if err != nil {
		return err
	}

	var intervalSpec []byte
	if sc.Interval != nil {
		if intervalSpec, err = marshalJSON(sc.Interval); err != nil {
			return err
		}
	}
	var maxRetries sql.NullInt64
	if sc.MaxRetries != nil {
		maxRetries = sql.NullInt64{Int64: int64(*sc.MaxRetries), Valid: true}
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO flintq_schedules (
			id, name, cron_expression, interval_spec, task_name, args,
			kwargs, queue_name, priority, tags, metadata, max_retries,
			retry_delay_ms, timeout_ms, version, status, last_run_at,
			next_run_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19
		)`,
		sc.ID, sc.Name, sc.CronExpression, intervalSpec, sc.TaskName,
		args, kwargs, sc.QueueName, int(sc.Priority), pq.Array(sc.Tags), meta,
		maxRetries, sc.RetryDelay.Milliseconds(), sc.Timeout.Milliseconds(),
		sc.Version, string(sc.Status), sc.LastRunAt, sc.NextRunAt, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule %s: %w", sc.Name, err)
	}
	return nil
}

func (s *Storage) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM flintq_schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return sc, err
}

func (s *Storage) ListSchedules(ctx context.Context, status schedule.Status, limit, offset int) ([]*schedule.Schedule, error) {
	where := "1=1"
	var args []any
	if status != "" {
		args = append(args, string(status))
		where = fmt.Sprintf("status = $%d", len(args))
	}
	query := `SELECT ` + scheduleColumns + ` FROM flintq_schedules WHERE ` +
		where + ` ORDER BY created_at ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Storage) UpdateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	args, err := marshalJSON(sc.Args)
	if err != nil {
		return err
	}
	kwargs, err := marshalJSON(sc.Kwargs)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(sc.Metadata)
	if err != nil {
		return err
	}
	var intervalSpec []byte
	if sc.Interval != nil {
		if intervalSpec, err = marshalJSON(sc.Interval); err != nil {
			return err
		}
	}
	var maxRetries sql.NullInt64
	if sc.MaxRetries != nil {
		maxRetries = sql.NullInt64{Int64: int64(*sc.MaxRetries), Valid: true}
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE flintq_schedules SET
			name = $2, cron_expression = $3, interval_spec = $4,
			task_name = $5, args = $6, kwargs = $7, queue_name = $8,
			priority = $9, tags = $10, metadata = $11, max_retries = $12,
			retry_delay_ms = $13, timeout_ms = $14, version = $15,
			status = $16, last_run_at = $17, next_run_at = $18
		WHERE id = $1`,
		sc.ID, sc.Name, sc.CronExpression, intervalSpec, sc.TaskName,
		args, kwargs, sc.QueueName, int(sc.Priority), pq.Array(sc.Tags),
		meta, maxRetries, sc.RetryDelay.Milliseconds(),
		sc.Timeout.Milliseconds(), sc.Version, string(sc.Status),
		sc.LastRunAt, sc.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", sc.ID, err)
	}
	return requireAffected(res)
}

func (s *Storage) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM flintq_schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Storage) DueSchedules(ctx context.Context, limit int) ([]*storage.DueSchedule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM flintq_schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= now()
		ORDER BY next_run_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.DueSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		j, err := sc.CreateJob()
		if err != nil {
			return nil, err
		}
		out = append(out, &storage.DueSchedule{Schedule: sc, Job: j})
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (*schedule.Schedule, error) {
	var (
		sc           schedule.Schedule
		intervalSpec []byte
		args         []byte
		kwargs       []byte
		meta         []byte
		tags         pq.StringArray
		priority     int
		maxRetries   sql.NullInt64
		retryDelay   int64
		timeout      int64
		status       string
		lastRunAt    sql.NullTime
		nextRunAt    sql.NullTime
	)

	err := row.Scan(
		&sc.ID, &sc.Name, &sc.CronExpression, &intervalSpec, &sc.TaskName,
		&args, &kwargs, &sc.QueueName, &priority, &tags, &meta, &maxRetries,
		&retryDelay, &timeout, &sc.Version, &status, &lastRunAt, &nextRunAt,
		&sc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(intervalSpec) > 0 {
		sc.Interval = &schedule.Interval{}
		if err := unmarshalJSON(intervalSpec, sc.Interval); err != nil {
			return nil, err
		}
	}
	sc.Priority = job.Priority(priority)
	sc.Tags = tags
	if maxRetries.Valid {
		n := int(maxRetries.Int64)
		sc.MaxRetries = &n
	}
	sc.RetryDelay = time.Duration(retryDelay) * time.Millisecond
	sc.Timeout = time.Duration(timeout) * time.Millisecond
	sc.Status = schedule.Status(status)
	if lastRunAt.Valid {
		t := lastRunAt.Time
		sc.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		sc.NextRunAt = &t
	}
	if err := unmarshalJSON(args, &sc.Args); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(kwargs, &sc.Kwargs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &sc.Metadata); err != nil {
		return nil, err
	}
	return &sc, nil
}
