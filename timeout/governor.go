// Package timeout bounds every transactional operation with a deadline.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sharedcode/dtx"
)

// Governor gives each operation a deadline: the per-call override when set,
// else the configured default, never later than the caller's own deadline.
type Governor struct {
	defaultTimeout time.Duration
}

// NewGovernor returns a Governor using d as the default timeout. A zero or
// negative d falls back to dtx.DefaultKeyValueTimeout.
func NewGovernor(d time.Duration) *Governor {
	if d <= 0 {
		d = dtx.DefaultKeyValueTimeout
	}
	return &Governor{defaultTimeout: d}
}

// Default returns the timeout used when no override is given.
func (g *Governor) Default() time.Duration {
	return g.defaultTimeout
}

// Effective returns the timeout an operation gets for the given override.
func (g *Governor) Effective(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return g.defaultTimeout
}

// Do runs fn with a context bounded by the effective timeout. When the
// deadline passes first, Do returns an ErrTimeout without waiting for fn,
// whose context is cancelled. Do never retries.
func (g *Governor) Do(ctx context.Context, override time.Duration, name string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, g, override, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for operations returning a value.
func Call[T any](ctx context.Context, g *Governor, override time.Duration, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, normalize(ctx, name, 0, err)
	}
	d := g.Effective(override)
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	// Buffered so the worker can finish after the caller has gone.
	done := make(chan result, 1)
	go func() {
		v, err := fn(opCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.v, normalize(opCtx, name, d, r.err)
		}
		return r.v, r.err
	case <-opCtx.Done():
		return zero, normalize(ctx, name, d, opCtx.Err())
	}
}

// normalize turns deadline errors into ErrTimeout; a caller cancellation is passed through.
func normalize(parent context.Context, name string, d time.Duration, err error) error {
	if errors.Is(err, dtx.ErrTimeout) {
		return err
	}
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", name, context.Canceled)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%v: %w", err, context.DeadlineExceeded)
	}
	return dtx.Error{Code: dtx.Timeout, Err: fmt.Errorf("%s timed out(maxTime=%v): %w", name, d, err), UserData: name}
}
