package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// casScript implements CompareAndSwap atomically on the server.
// ARGV: expectMissing, old, deleteFlag, value, ttlMillis.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
  if cur then return 0 end
else
  if (not cur) or cur ~= ARGV[2] then return 0 end
end
if ARGV[3] == '1' then
  redis.call('DEL', KEYS[1])
  return 1
end
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[4], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[4])
end
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore is the shared Store backend. All keys are namespaced by prefix.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
	log       logrus.FieldLogger
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	OpTimeout time.Duration
}

func NewRedisStore(opts RedisOptions, log logrus.FieldLogger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreFromClient(client, opts.Prefix, opts.OpTimeout, log)
}

func NewRedisStoreFromClient(client *redis.Client, prefix string, opTimeout time.Duration, log logrus.FieldLogger) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		opTimeout: opTimeout,
		log:       log.WithField("component", "store.redis"),
	}
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.classify(s.client.Ping(ctx).Err())
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.Canceled):
		return err
	default:
		s.log.WithError(err).Debug("redis operation failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return nil, s.classify(err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	return s.classify(s.client.Set(ctx, s.prefix+key, value, ttl).Err())
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	expectMissing, deleteFlag := "0", "0"
	if old == nil {
		expectMissing = "1"
	}
	if value == nil {
		deleteFlag = "1"
	}
	n, err := casScript.Run(ctx, s.client, []string{s.prefix + key},
		expectMissing, old, deleteFlag, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, s.classify(err)
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.classify(s.client.Del(ctx, s.prefix+key).Err())
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefix+prefix+"*", 200).Result()
		if err != nil {
			return nil, s.classify(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.classify(err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		out[strings.TrimPrefix(keys[i], s.prefix)] = []byte(str)
	}
	return out, nil
}

func (s *RedisStore) Lock(ctx context.Context, key string, lease time.Duration) (Lock, error) {
	token := uuid.NewString()
	full := s.prefix + key
	err := acquire(ctx, func() (bool, error) {
		opCtx, cancel := s.opContext(ctx)
		defer cancel()
		ok, err := s.client.SetNX(opCtx, full, token, lease).Result()
		if err != nil {
			return false, s.classify(err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLock{store: s, key: key, token: token}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisLock struct {
	store *RedisStore
	key   string
	token string
}

func (l *redisLock) Key() string { return l.key }

func (l *redisLock) Release(ctx context.Context) error {
	ctx, cancel := l.store.opContext(ctx)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.store.client, []string{l.store.prefix + l.key}, l.token).Int()
	if err != nil {
		return l.store.classify(err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
