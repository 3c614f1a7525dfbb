// Package postgres implements storage.Storage on PostgreSQL via lib/pq.
// Dequeue relies on FOR UPDATE SKIP LOCKED so concurrent workers never
// reserve the same row; all other state changes are conditional updates
// keyed on the current status.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"flintq/internal/job"
	"flintq/internal/storage"
)

// querier is satisfied by both *sql.DB and *sql.Tx, which lets every
// operation run unchanged inside WithTransaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Storage struct {
	q  querier
	db *sql.DB // nil inside a transaction handle
}

var _ storage.Storage = (*Storage)(nil)

func New(db *sql.DB) *Storage {
	return &Storage{q: db, db: db}
}

// Open connects to the given DSN and returns an uninitialized storage.
func Open(dsn string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db), nil
}

func (s *Storage) Initialize(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Storage) Shutdown(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so the postgres lock manager can share
// the connection pool.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) WithTransaction(ctx context.Context, fn func(tx storage.Storage) error) error {
	if s.db == nil {
		// Already inside a transaction; nest flatly.
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Storage{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *Storage) PauseQueue(ctx context.Context, queue string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO flintq_queue_state (queue_name, paused, updated_at)
		VALUES ($1, TRUE, now())
		ON CONFLICT (queue_name) DO UPDATE SET paused = TRUE, updated_at = now()
	`, queue)
	return err
}

func (s *Storage) ResumeQueue(ctx context.Context, queue string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO flintq_queue_state (queue_name, paused, updated_at)
		VALUES ($1, FALSE, now())
		ON CONFLICT (queue_name) DO UPDATE SET paused = FALSE, updated_at = now()
	`, queue)
	return err
}

func (s *Storage) IsQueuePaused(ctx context.Context, queue string) (bool, error) {
	var paused bool
	err := s.q.QueryRowContext(ctx,
		`SELECT paused FROM flintq_queue_state WHERE queue_name = $1`, queue,
	).Scan(&paused)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return paused, err
}

func (s *Storage) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT queue_name FROM flintq_jobs
		UNION
		SELECT queue_name FROM flintq_queue_state
		ORDER BY queue_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func (s *Storage) GetQueueSizes(ctx context.Context) (map[string]int, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT queue_name, COUNT(*)
		FROM flintq_jobs
		WHERE status IN ('pending', 'retrying')
		GROUP BY queue_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sizes := make(map[string]int)
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			return nil, err
		}
		sizes[q] = n
	}
	return sizes, rows.Err()
}

func (s *Storage) GetStatistics(ctx context.Context) (*storage.Statistics, error) {
	stats := &storage.Statistics{
		JobsByStatus:   make(map[job.Status]int),
		JobsByQueue:    make(map[string]int),
		ScheduleCounts: make(map[string]int),
		CollectedAt:    time.Now(),
	}
	for _, st := range job.AllStatuses {
		stats.JobsByStatus[st] = 0
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM flintq_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.JobsByStatus[job.Status(st)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.q.QueryContext(ctx,
		`SELECT queue_name, COUNT(*) FROM flintq_jobs GROUP BY queue_name`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.JobsByQueue[q] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sizes, err := s.GetQueueSizes(ctx)
	if err != nil {
		return nil, err
	}
	stats.QueueSizes = sizes

	rows, err = s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM flintq_schedules GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ScheduleCounts[st] = n
	}
	rows.Close()
	return stats, rows.Err()
}

func (s *Storage) CheckHealth(ctx context.Context) *storage.Health {
	h := &storage.Health{CheckedAt: time.Now()}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			h.Error = err.Error()
			return h
		}
	}
	sizes, err := s.GetQueueSizes(ctx)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = true
	h.QueueDepths = sizes
	return h
}
