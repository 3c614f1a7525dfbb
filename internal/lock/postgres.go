package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresManager stores leases in the flintq_locks table. Unlike
// pg_advisory_lock, a row lease survives connection churn and expires on
// its own, which is what makes a crashed holder harmless.
type PostgresManager struct {
	db *sql.DB
}

var _ Manager = (*PostgresManager)(nil)

func NewPostgresManager(db *sql.DB) *PostgresManager {
	return &PostgresManager{db: db}
}

func (m *PostgresManager) TryAcquire(ctx context.Context, name string, ttl time.Duration, owner string) (*Lease, error) {
	if owner == "" {
		owner = uuid.NewString()
	}
	expires := time.Now().Add(ttl)

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO flintq_locks (name, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE flintq_locks.expires_at <= now() OR flintq_locks.owner = EXCLUDED.owner
	`, name, owner, expires)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotAcquired
	}

	return &Lease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: expires,
		release: func(ctx context.Context) error {
			_, err := m.db.ExecContext(ctx,
				`DELETE FROM flintq_locks WHERE name = $1 AND owner = $2`,
				name, owner)
			return err
		},
	}, nil
}

func (m *PostgresManager) Acquire(ctx context.Context, name string, ttl time.Duration, owner string) (*Lease, error) {
	return awaitAcquire(ctx, func(ctx context.Context) (*Lease, error) {
		return m.TryAcquire(ctx, name, ttl, owner)
	})
}
