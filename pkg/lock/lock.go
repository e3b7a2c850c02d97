// Package lock provides cluster-scoped mutual exclusion for commits.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/linkerr"
)

var (
	// ErrNotAcquired is returned when a lock cannot be taken within the timeout.
	// It is a concurrency conflict so callers requeue the work.
	ErrNotAcquired = linkerr.Conflict(nil, "lock not acquired")
	// ErrNotHeld is returned when releasing a lock that expired or was taken over.
	ErrNotHeld = linkerr.Conflict(nil, "lock not held")
)

const (
	minBackoff = 10 * time.Millisecond
	maxBackoff = 500 * time.Millisecond
)

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker takes named locks.
type Locker interface {
	// TryAcquire retries until the lock is taken or timeout passes. The lock
	// expires after ttl if it is never released.
	TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error)
}

// Retry calls acquire with capped exponential backoff until it succeeds,
// returns an error other than ErrNotAcquired, or the timeout passes.
func Retry(ctx context.Context, timeout time.Duration, acquire func() (Lock, error)) (Lock, error) {
	if timeout <= 0 {
		return acquire()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = minBackoff
	policy.MaxInterval = maxBackoff
	policy.MaxElapsedTime = timeout

	return backoff.RetryWithData(func() (Lock, error) {
		l, err := acquire()
		if err != nil && err != ErrNotAcquired {
			return nil, backoff.Permanent(err)
		}
		return l, err
	}, backoff.WithContext(policy, ctx))
}

type entry struct {
	token   string
	expires time.Time
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]entry
	clock func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]entry),
		clock: time.Now,
	}
}

func (l *LocalLocker) TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error) {
	return Retry(ctx, timeout, func() (Lock, error) {
		return l.acquire(key, ttl)
	})
}

func (l *LocalLocker) acquire(key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.held[key] = entry{token: token, expires: now.Add(ttl)}
	return &localLock{locker: l, key: key, token: token}, nil
}

type localLock struct {
	locker *LocalLocker
	key    string
	token  string
}

func (lk *localLock) Release(_ context.Context) error {
	lk.locker.mu.Lock()
	defer lk.locker.mu.Unlock()

	e, ok := lk.locker.held[lk.key]
	if !ok || e.token != lk.token {
		return ErrNotHeld
	}
	delete(lk.locker.held, lk.key)
	return nil
}

// AcquireAll takes the locks for keys in the given order and releases the
// ones already held when any acquisition fails.
func AcquireAll(ctx context.Context, locker Locker, keys []string, ttl, timeout time.Duration) (func(context.Context), error) {
	held := make([]Lock, 0, len(keys))
	release := func(ctx context.Context) {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(ctx)
		}
	}
	for _, key := range keys {
		l, err := locker.TryAcquire(ctx, key, ttl, timeout)
		if err != nil {
			release(ctx)
			return nil, err
		}
		held = append(held, l)
	}
	return release, nil
}
