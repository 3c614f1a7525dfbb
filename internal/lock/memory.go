package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is a process-local Manager for tests and single-process
// embedding.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memoryLease
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

var _ Manager = (*MemoryManager)(nil)

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{leases: make(map[string]memoryLease)}
}

func (m *MemoryManager) TryAcquire(ctx context.Context, name string, ttl time.Duration, owner string) (*Lease, error) {
	if owner == "" {
		owner = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[name]; ok && cur.owner != owner && cur.expiresAt.After(time.Now()) {
		return nil, ErrNotAcquired
	}
	expires := time.Now().Add(ttl)
	m.leases[name] = memoryLease{owner: owner, expiresAt: expires}
	return &Lease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: expires,
		release: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.leases[name]; ok && cur.owner == owner {
				delete(m.leases, name)
			}
			return nil
		},
	}, nil
}

func (m *MemoryManager) Acquire(ctx context.Context, name string, ttl time.Duration, owner string) (*Lease, error) {
	return awaitAcquire(ctx, func(ctx context.Context) (*Lease, error) {
		return m.TryAcquire(ctx, name, ttl, owner)
	})
}
