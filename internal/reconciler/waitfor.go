package reconciler

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by WaitFor when the deadline passes before the
// predicate returns a truthy value.
var ErrTimeout = errors.New("timed out waiting for condition")

// Predicate is polled by WaitFor. A non-nil, non-error result is
// truthy and stops the wait; (nil, nil) means "not yet"; a non-nil
// error is passed to ignoreErr to decide whether to keep polling.
type Predicate[T comparable] func(ctx context.Context) (T, error)

// WaitFor retries predicate every interval until it returns a non-nil
// result or timeout elapses, then returns ErrTimeout.
//
// This replaces the source's `_wait_for` helper, whose inverted
// condition (`while time.time() - start_time > timeout`) made it
// return a TimeoutError value immediately without ever polling. That
// bug is intentionally NOT reproduced: the contract here is "retry
// until the predicate is truthy or the deadline passes, then return
// ErrTimeout", matching spec.md §9's corrected contract.
//
// ignoreErr, if non-nil, is consulted on each predicate error; a true
// return means the error is absorbed and polling continues (used by
// the spawn worker to absorb PlatformApiError per spec.md §4.6).
// A nil ignoreErr means no error is ever absorbed.
func WaitFor[T comparable](ctx context.Context, timeout, interval time.Duration, predicate Predicate[T], ignoreErr func(error) bool) (T, error) {
	var zero T
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		val, err := predicate(ctx)
		if err != nil {
			if ignoreErr == nil || !ignoreErr(err) {
				return zero, err
			}
		} else if !isZero(val) {
			return val, nil
		}

		if !time.Now().Before(deadline) {
			return zero, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}

// isZero reports whether v equals T's zero value; used to distinguish
// "not yet" from "truthy" for predicate results (typically a pointer
// type, where the zero value is nil).
func isZero[T comparable](v T) bool {
	var zero T
	return v == zero
}
