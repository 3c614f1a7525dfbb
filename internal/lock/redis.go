package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if the caller still owns it, so a
// slow holder cannot release a lease that already expired and was taken
// by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisManager leases locks via SET NX PX.
type RedisManager struct {
	rdb    *redis.Client
	prefix string
}

var _ Manager = (*RedisManager)(nil)

func NewRedisManager(rdb *redis.Client) *RedisManager {
	return &RedisManager{rdb: rdb, prefix: "flintq:lock:"}
}

func (m *RedisManager) TryAcquire(ctx context.Context, name string, ttl time.Duration, owner string) (*Lease, error) {
	if owner == "" {
		owner = uuid.NewString()
	}
	key := m.prefix + name

	ok, err := m.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return &Lease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: time.Now().Add(ttl),
		release: func(ctx context.Context) error {
			return releaseScript.Run(ctx, m.rdb, []string{key}, owner).Err()
		},
	}, nil
}

func (m *RedisManager) Acquire(ctx context.Context, name string, ttl time.Duration, owner string) (*Lease, error) {
	return awaitAcquire(ctx, func(ctx context.Context) (*Lease, error) {
		return m.TryAcquire(ctx, name, ttl, owner)
	})
}
