package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryItem struct {
	value   []byte
	expires time.Time
}

// MemoryStore is a single-process Store used when STORE_BACKEND=memory and in
// tests. It honours the same CAS and lease semantics as RedisStore.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
	// down simulates a lost connection.
	down bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

// SetUnavailable makes every operation fail with ErrUnavailable until reset.
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *MemoryStore) getLocked(key string) ([]byte, bool) {
	item, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !item.expires.IsZero() && !m.now().Before(item.expires) {
		delete(m.items, key)
		return nil, false
	}
	return item.value, true
}

func (m *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = m.now().Add(ttl)
	}
	m.items[key] = item
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}
	v, ok := m.getLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, ErrUnavailable
	}
	cur, ok := m.getLocked(key)
	if old == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, old) {
		return false, nil
	}
	if value == nil {
		delete(m.items, key)
		return true, nil
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}
	out := make(map[string][]byte)
	for key := range m.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if v, ok := m.getLocked(key); ok {
			out[key] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *MemoryStore) Lock(ctx context.Context, key string, lease time.Duration) (Lock, error) {
	token := []byte(uuid.NewString())
	err := acquire(ctx, func() (bool, error) {
		return m.CompareAndSwap(ctx, key, nil, token, lease)
	})
	if err != nil {
		return nil, err
	}
	return &memoryLock{store: m, key: key, token: token}, nil
}

func (m *MemoryStore) Close() error { return nil }

type memoryLock struct {
	store *MemoryStore
	key   string
	token []byte
}

func (l *memoryLock) Key() string { return l.key }

func (l *memoryLock) Release(ctx context.Context) error {
	ok, err := l.store.CompareAndSwap(ctx, l.key, l.token, nil, 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockLost
	}
	return nil
}
