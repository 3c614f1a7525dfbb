package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryManager()

	lease, err := mgr.TryAcquire(ctx, "maintenance", time.Minute, "a")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "maintenance", lease.Name)
	assert.Equal(t, "a", lease.Owner)

	_, err = mgr.TryAcquire(ctx, "maintenance", time.Minute, "b")
	assert.ErrorIs(t, err, ErrNotAcquired)

	// A different name is independent.
	other, err := mgr.TryAcquire(ctx, "prune", time.Minute, "b")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))
}

func TestReacquireBySameOwnerExtends(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryManager()

	first, err := mgr.TryAcquire(ctx, "maintenance", 50*time.Millisecond, "a")
	require.NoError(t, err)

	second, err := mgr.TryAcquire(ctx, "maintenance", time.Minute, "a")
	require.NoError(t, err)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryManager()

	_, err := mgr.TryAcquire(ctx, "maintenance", 20*time.Millisecond, "a")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	lease, err := mgr.TryAcquire(ctx, "maintenance", time.Minute, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", lease.Owner)
}

func TestReleaseIsOwnerChecked(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryManager()

	stale, err := mgr.TryAcquire(ctx, "maintenance", 20*time.Millisecond, "a")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	current, err := mgr.TryAcquire(ctx, "maintenance", time.Minute, "b")
	require.NoError(t, err)

	// The stale holder's release must not free b's live lease.
	require.NoError(t, stale.Release(ctx))
	_, err = mgr.TryAcquire(ctx, "maintenance", time.Minute, "c")
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, current.Release(ctx))
	_, err = mgr.TryAcquire(ctx, "maintenance", time.Minute, "c")
	assert.NoError(t, err)
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryManager()

	held, err := mgr.TryAcquire(ctx, "maintenance", time.Minute, "a")
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		lease, err := mgr.Acquire(ctx, "maintenance", time.Minute, "b")
		assert.NoError(t, err)
		acquired <- lease
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, held.Release(ctx))

	select {
	case lease := <-acquired:
		assert.Equal(t, "b", lease.Owner)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not proceed after release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	mgr := NewMemoryManager()

	_, err := mgr.TryAcquire(context.Background(), "maintenance", time.Minute, "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = mgr.Acquire(ctx, "maintenance", time.Minute, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDefaultOwnerIsGenerated(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryManager()

	lease, err := mgr.TryAcquire(ctx, "maintenance", time.Minute, "")
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Owner)

	// A second anonymous caller gets a distinct owner, so contention holds.
	_, err = mgr.TryAcquire(ctx, "maintenance", time.Minute, "")
	assert.ErrorIs(t, err, ErrNotAcquired)
}
