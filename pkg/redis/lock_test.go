package redis

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/lock"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		t.Skip("REDIS_HOST not set")
	}
	port := 6379
	if p := os.Getenv("REDIS_PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		require.NoError(t, err)
	}

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client, err := NewClient(Config{Host: host, Port: port, Password: os.Getenv("REDIS_PASSWORD")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewLocker(client, "clover:test:"+uuid.NewString()+":")
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	l := newTestLocker(t)

	held, err := l.TryAcquire(ctx, "cluster", time.Minute, 0)
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, "cluster", time.Minute, 30*time.Millisecond)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	require.NoError(t, held.Release(ctx))
	assert.ErrorIs(t, held.Release(ctx), lock.ErrNotHeld)

	again, err := l.TryAcquire(ctx, "cluster", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	l := newTestLocker(t)

	_, err := l.TryAcquire(ctx, "short", 50*time.Millisecond, 0)
	require.NoError(t, err)

	next, err := l.TryAcquire(ctx, "short", time.Minute, time.Second)
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}
