package signaling

import (
	"context"
	"errors"
	"time"
)

// RetryDelay is the pause before the single retry of a failed write.
var RetryDelay = 150 * time.Millisecond

// OnRetry, when set, is called before each retry.
var OnRetry func(op string, err error)

// Transient reports whether err is worth one more attempt. Semantic
// outcomes (missing or duplicate records, mutation aborts, cancellation)
// are final.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var abort *AbortError
	switch {
	case errors.As(err, &abort):
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExists), errors.Is(err, ErrUnchanged):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// RetryOnce runs fn and, if it fails with a transient error, runs it once more.
func RetryOnce(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if !Transient(err) {
		return err
	}
	if OnRetry != nil {
		OnRetry(op, err)
	}

	t := time.NewTimer(RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-t.C:
	}
	return fn(ctx)
}
