package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how long a caller keeps retrying ErrUnavailable.
type RetryPolicy struct {
	MaxTries        uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxTries: 5, MaxElapsed: 10 * time.Second, InitialInterval: 100 * time.Millisecond}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxInterval = 2 * time.Second
	return b
}

// Retry runs op until it succeeds, fails with an error other than
// ErrUnavailable, or the policy is exhausted.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	opts := []backoff.RetryOption{backoff.WithBackOff(p.backOff())}
	if p.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxTries))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// RetryErr is Retry for operations without a result.
func RetryErr(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
