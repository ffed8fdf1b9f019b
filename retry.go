package dtx

import (
	"context"
	"errors"
	log "log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	return RetryWith(ctx, retry.WithMaxRetries(5, retry.NewFibonacci(1*time.Second)), task, gaveUpTask)
}

// RetryWith is Retry with a caller supplied backoff.
func RetryWith(ctx context.Context, b retry.Backoff, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	if err := retry.Do(ctx, b, task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable (non-nil and not a known permanent failure).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Protocol outcomes; retrying the same call can not change them.
	if errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrCASMismatch) ||
		errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrRecordExists) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrDurabilityImpossible) ||
		errors.Is(err, ErrSystemicStorage) {
		return false
	}

	if errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrExist) {
		return false
	}

	switch {
	case errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.ENAMETOOLONG),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EISDIR):
		return false
	}

	if strings.Contains(err.Error(), "read-only file system") {
		return false
	}

	return true
}
