package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/linkerr"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	held, err := l.TryAcquire(ctx, "cluster:a", time.Minute, 0)
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, "cluster:a", time.Minute, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.True(t, linkerr.IsConflict(err))

	other, err := l.TryAcquire(ctx, "cluster:b", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, held.Release(ctx))
	assert.ErrorIs(t, held.Release(ctx), ErrNotHeld)

	again, err := l.TryAcquire(ctx, "cluster:a", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocalLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewLocalLocker()
	l.clock = func() time.Time { return now }

	stale, err := l.TryAcquire(ctx, "k", time.Second, 0)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.TryAcquire(ctx, "k", time.Second, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.NoError(t, fresh.Release(ctx))
}

func TestLocalLocker_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	held, err := l.TryAcquire(ctx, "k", time.Minute, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release(ctx)
	}()

	next, err := l.TryAcquire(ctx, "k", time.Minute, time.Second)
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held, err := l.TryAcquire(ctx, "k", time.Minute, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, held.Release(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestAcquireAll(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	blocker, err := l.TryAcquire(ctx, "b", time.Minute, 0)
	require.NoError(t, err)

	_, err = AcquireAll(ctx, l, []string{"a", "b"}, time.Minute, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotAcquired)

	// a was released after b failed
	a, err := l.TryAcquire(ctx, "a", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx))
	require.NoError(t, blocker.Release(ctx))

	release, err := AcquireAll(ctx, l, []string{"a", "b"}, time.Minute, 0)
	require.NoError(t, err)
	release(ctx)

	_, err = AcquireAll(ctx, l, []string{"a", "b"}, time.Minute, 0)
	assert.NoError(t, err)
}
