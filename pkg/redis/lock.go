package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/lock"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Lock represents a held distributed lock
type Lock struct {
	client *Client
	key    string
	value  string
}

// Locker takes distributed locks with SET NX
type Locker struct {
	client    *Client
	keyPrefix string
}

var _ lock.Locker = (*Locker)(nil)

// NewLocker creates a new Locker
func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "clover:lock:"
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Acquire makes one attempt to take the lock
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := l.keyPrefix + key
	lockValue := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, linkerr.Transient(err, "failed to acquire lock %s", key)
	}
	if !ok {
		return nil, lock.ErrNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)

	return &Lock{
		client: l.client,
		key:    lockKey,
		value:  lockValue,
	}, nil
}

// TryAcquire retries Acquire with capped backoff until timeout
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (lock.Lock, error) {
	return lock.Retry(ctx, timeout, func() (lock.Lock, error) {
		held, err := l.Acquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		return held, nil
	})
}

// Release deletes the lock if this holder still owns it
func (lk *Lock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lk.client.rdb, []string{lk.key}, lk.value).Int64()
	if err != nil {
		return linkerr.Transient(err, "failed to release lock %s", lk.key)
	}
	if result == 0 {
		return lock.ErrNotHeld
	}

	lk.client.logger.WithContext(ctx).Debugf("Released lock: %s", lk.key)
	return nil
}
