package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "test:", time.Second, quietLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func backends(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestGetSetDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := s.Set(ctx, "k", []byte("v1"), 0); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := s.Get(ctx, "k")
			if err != nil || string(got) != "v1" {
				t.Fatalf("get: %q %v", got, err)
			}
			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestCompareAndSwap(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.CompareAndSwap(ctx, "cas", nil, []byte("a"), 0)
			if err != nil || !ok {
				t.Fatalf("create-if-missing: %v %v", ok, err)
			}
			ok, err = s.CompareAndSwap(ctx, "cas", nil, []byte("b"), 0)
			if err != nil || ok {
				t.Fatalf("create-if-missing on existing key should fail: %v %v", ok, err)
			}
			ok, err = s.CompareAndSwap(ctx, "cas", []byte("stale"), []byte("b"), 0)
			if err != nil || ok {
				t.Fatalf("mismatched old should fail: %v %v", ok, err)
			}
			ok, err = s.CompareAndSwap(ctx, "cas", []byte("a"), []byte("b"), 0)
			if err != nil || !ok {
				t.Fatalf("matching old should succeed: %v %v", ok, err)
			}
			got, _ := s.Get(ctx, "cas")
			if string(got) != "b" {
				t.Fatalf("expected b, got %q", got)
			}
			ok, err = s.CompareAndSwap(ctx, "cas", []byte("b"), nil, 0)
			if err != nil || !ok {
				t.Fatalf("delete via cas: %v %v", ok, err)
			}
			if _, err := s.Get(ctx, "cas"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected key removed, got %v", err)
			}
		})
	}
}

func TestScanPrefix(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.Set(ctx, "session:1", []byte("one"), 0)
			_ = s.Set(ctx, "session:2", []byte("two"), 0)
			_ = s.Set(ctx, "leaderboard:u", []byte("x"), 0)

			got, err := s.Scan(ctx, "session:")
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if len(got) != 2 || string(got["session:1"]) != "one" || string(got["session:2"]) != "two" {
				t.Fatalf("unexpected scan result %v", got)
			}
		})
	}
}

func TestLockIsExclusive(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
					defer cancel()
					l, err := s.Lock(lockCtx, "lock:user:a", 5*time.Second)
					if err != nil {
						t.Errorf("lock: %v", err)
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					if err := l.Release(ctx); err != nil {
						t.Errorf("release: %v", err)
					}
				}()
			}
			wg.Wait()
			if maxInside != 1 {
				t.Fatalf("expected exclusive lock, saw %d holders", maxInside)
			}
		})
	}
}

func TestLockTimesOutWhenHeld(t *testing.T) {
	s := NewMemoryStore()
	held, err := s.Lock(context.Background(), "lock:x", time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(ctx, "lock:x", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := held.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisLockLeaseExpires(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	first, err := s.Lock(ctx, "lock:lease", time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	mr.FastForward(2 * time.Second)

	second, err := s.Lock(ctx, "lock:lease", time.Second)
	if err != nil {
		t.Fatalf("expected lease expiry to free the lock: %v", err)
	}
	if err := first.Release(ctx); !errors.Is(err, ErrLockLost) {
		t.Fatalf("stale owner must not release a new holder's lock, got %v", err)
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.SetError("LOADING connection lost")
	_, err := s.Get(context.Background(), "k")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), RetryPolicy{MaxTries: 5, InitialInterval: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, ErrNotFound
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryRecoversFromUnavailable(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), RetryPolicy{MaxTries: 5, InitialInterval: time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", ErrUnavailable
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("expected recovery, got %q %v", v, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	s := NewMemoryStore()
	s.SetUnavailable(true)
	err := RetryErr(context.Background(), RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		return s.Set(ctx, "k", []byte("v"), 0)
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after exhausting retries, got %v", err)
	}
}
