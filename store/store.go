// Package store is the state store adapter: a small key-value surface with
// compare-and-swap and leased locks, shared by every orchestrator instance.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable marks infrastructure faults; callers retry these.
	ErrUnavailable = errors.New("store: unavailable")
	ErrLockHeld    = errors.New("store: lock held by another owner")
	ErrLockLost    = errors.New("store: lock lease lost")
)

// Store is implemented by RedisStore and MemoryStore.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndSwap replaces the value at key only if it currently equals
	// old. A nil old means the key must not exist; a nil value deletes it.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Scan returns every key with the given prefix and its value.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	// Lock blocks until the lock is acquired, ctx ends, or the store fails.
	Lock(ctx context.Context, key string, lease time.Duration) (Lock, error)
	Close() error
}

type Lock interface {
	Key() string
	// Release drops the lock if it is still held by this owner.
	Release(ctx context.Context) error
}

const lockPollInterval = 25 * time.Millisecond

// acquire polls try until it wins, ctx ends, or try fails.
func acquire(ctx context.Context, try func() (bool, error)) error {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrLockHeld, ctx.Err())
		case <-ticker.C:
		}
	}
}
