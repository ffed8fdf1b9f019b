package dtx

import (
	"context"
	"fmt"
	"time"
)

// Now is the clock used by dtx components. Tests replace it to move time.
var Now = time.Now

// TimedOut returns an error if the context is done or if the elapsed time since startTime exceeds maxTime.
// The returned error matches ErrTimeout.
func TimedOut(ctx context.Context, name string, startTime time.Time, maxTime time.Duration) error {
	if err := ctx.Err(); err != nil {
		return Error{Code: Timeout, Err: fmt.Errorf("%s: %w", name, err), UserData: maxTime}
	}
	if diff := Now().Sub(startTime); diff > maxTime {
		return Error{Code: Timeout, Err: fmt.Errorf("%s timed out(maxTime=%v): %w", name, maxTime, context.DeadlineExceeded), UserData: maxTime}
	}
	return nil
}

// Sleep blocks for the specified duration or until the context is done, whichever happens first.
func Sleep(ctx context.Context, sleepTime time.Duration) {
	if sleepTime <= 0 {
		return
	}
	sleep, cancel := context.WithTimeout(ctx, sleepTime)
	defer cancel()
	<-sleep.Done()
}
