package resilience

import (
	"context"
	"time"
)

// DefaultRetryDelay is the pause before the single retry attempt.
const DefaultRetryDelay = 100 * time.Millisecond

// Once runs fn and, if it fails, retries exactly once after delay. A live
// turn has no budget for exponential backoff; one quick retry covers the
// transient dial failures worth absorbing, everything else surfaces to the
// caller. A delay <= 0 uses [DefaultRetryDelay]. Context cancellation during
// the pause returns ctx.Err() without the second attempt.
func Once(ctx context.Context, delay time.Duration, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return fn()
}

// OnceValue is [Once] for calls that produce a value.
func OnceValue[R any](ctx context.Context, delay time.Duration, fn func() (R, error)) (R, error) {
	var result R
	err := Once(ctx, delay, func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
