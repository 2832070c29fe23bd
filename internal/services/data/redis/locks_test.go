package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLockManager(t *testing.T) (*LockManager, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err, "Failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLockManager(client, zap.NewNop()), mr
}

func TestLockManager_Acquire(t *testing.T) {
	lm, _ := newTestLockManager(t)
	ctx := context.Background()

	t.Run("Acquire And Release", func(t *testing.T) {
		lock, err := lm.Acquire(ctx, "tenant:acme", 5*time.Second)
		require.NoError(t, err)

		held, err := lm.IsHeld(ctx, "tenant:acme")
		require.NoError(t, err)
		assert.True(t, held)

		require.NoError(t, lock.Release(ctx))

		held, err = lm.IsHeld(ctx, "tenant:acme")
		require.NoError(t, err)
		assert.False(t, held)
	})

	t.Run("Second Acquire Fails While Held", func(t *testing.T) {
		lock, err := lm.Acquire(ctx, "tenant:globex", 5*time.Second)
		require.NoError(t, err)
		defer func() { _ = lock.Release(ctx) }()

		_, err = lm.Acquire(ctx, "tenant:globex", 5*time.Second)
		assert.Error(t, err)
	})

	t.Run("Release Is Ownership Checked", func(t *testing.T) {
		lock, err := lm.Acquire(ctx, "tenant:initech", 5*time.Second)
		require.NoError(t, err)

		// Simulate another holder taking over after expiry.
		require.NoError(t, lock.Release(ctx))
		other, err := lm.Acquire(ctx, "tenant:initech", 5*time.Second)
		require.NoError(t, err)
		defer func() { _ = other.Release(ctx) }()

		// The stale handle must not delete the new holder's lock.
		err = lock.Release(ctx)
		assert.Error(t, err)

		held, err := lm.IsHeld(ctx, "tenant:initech")
		require.NoError(t, err)
		assert.True(t, held)
	})
}

func TestLockManager_AcquireWithRetry(t *testing.T) {
	lm, mr := newTestLockManager(t)
	ctx := context.Background()

	lock, err := lm.Acquire(ctx, "session:s1", time.Second)
	require.NoError(t, err)

	// Retry loop should win once the TTL lapses.
	go func() {
		time.Sleep(30 * time.Millisecond)
		mr.FastForward(2 * time.Second)
	}()

	second, err := lm.AcquireWithRetry(ctx, "session:s1", time.Second, 10, 20*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = second.Release(ctx) }()

	// The first handle lost ownership.
	assert.Error(t, lock.Release(ctx))
}

func TestLockManager_WithLock(t *testing.T) {
	lm, _ := newTestLockManager(t)
	ctx := context.Background()

	ran := false
	err := lm.WithLock(ctx, "sweep:alerts", time.Second, func() error {
		ran = true

		held, err := lm.IsHeld(ctx, "sweep:alerts")
		require.NoError(t, err)
		assert.True(t, held)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	held, err := lm.IsHeld(ctx, "sweep:alerts")
	require.NoError(t, err)
	assert.False(t, held, "lock must be released after fn returns")
}

func TestLockManager_Extend(t *testing.T) {
	lm, _ := newTestLockManager(t)
	ctx := context.Background()

	lock, err := lm.Acquire(ctx, "task:t1", time.Second)
	require.NoError(t, err)
	defer func() { _ = lock.Release(ctx) }()

	assert.NoError(t, lock.Extend(ctx, 5*time.Second))
}

func TestLockManager_ForceRelease(t *testing.T) {
	lm, _ := newTestLockManager(t)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "session:stale", time.Minute)
	require.NoError(t, err)

	require.NoError(t, lm.ForceRelease(ctx, "session:stale"))

	held, err := lm.IsHeld(ctx, "session:stale")
	require.NoError(t, err)
	assert.False(t, held)
}
