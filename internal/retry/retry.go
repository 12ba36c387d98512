package retry

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/cenkalti/backoff/v4"
)

// Policy bounds every store call. Attempts applies to reads only.
type Policy struct {
	Timeout   time.Duration
	Attempts  int
	BaseDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Timeout: 3 * time.Second, Attempts: 3, BaseDelay: 50 * time.Millisecond}
}

// Read runs an idempotent store read, retrying with exponential backoff
// while the failure is apperr.ErrStoreUnavailable.
func Read[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		eb.InitialInterval = p.BaseDelay
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	err := backoff.Retry(func() error {
		v, err := call(ctx, p.Timeout, op, fn)
		if err == nil {
			out = v
			return nil
		}
		if errors.Is(err, apperr.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
	return out, err
}

// Write runs a store mutation exactly once. Mutations are never retried:
// a timed-out decrement may still have been applied.
func Write[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	return call(ctx, p.Timeout, op, fn)
}

func call[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil && apperr.IsTimeout(err) && !errors.Is(err, apperr.ErrStoreUnavailable) {
		return v, apperr.Unavailable(op, err)
	}
	return v, err
}
