package services

import (
	"context"
	"errors"
	"time"

	"gamebattle-orchestrator/metrics"
	"gamebattle-orchestrator/store"

	"github.com/sirupsen/logrus"
)

// retryStore runs a store operation under the retry budget.
func retryStore[T any](ctx context.Context, p store.RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := store.Retry(ctx, p, fn)
	if err != nil && errors.Is(err, store.ErrUnavailable) {
		metrics.StoreRetriesExhausted.WithLabelValues(op).Inc()
	}
	return v, err
}

func retryStoreErr(ctx context.Context, p store.RetryPolicy, op string, fn func(ctx context.Context) error) error {
	_, err := retryStore(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// lockWithRetry waits up to two leases for key; a holder that died frees it
// after one.
func lockWithRetry(ctx context.Context, st store.Store, p store.RetryPolicy, key string, lease time.Duration) (store.Lock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, 2*lease)
	defer cancel()
	return retryStore(lockCtx, p, "lock", func(ctx context.Context) (store.Lock, error) {
		return st.Lock(ctx, key, lease)
	})
}

func release(l store.Lock, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		log.WithError(err).WithField("lock", l.Key()).Warn("Lock release failed")
	}
}
