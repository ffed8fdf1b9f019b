// Package durability waits for writes to reach their requested durability level.
package durability

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/dtx"
)

const (
	defaultPollInterval = 2 * time.Millisecond
	defaultMaxPoll      = 100 * time.Millisecond
)

var errNotYetDurable = errors.New("durability not yet met")

// Requirement is the durability a single write must meet. Computed per
// operation, never persisted.
type Requirement struct {
	Level   dtx.DurabilityLevel
	Timeout time.Duration
}

// Enforcer polls a ReplicaObserver until a mutation is durable.
type Enforcer struct {
	pollInterval time.Duration
	maxPoll      time.Duration
}

// Option customizes an Enforcer.
type Option func(*Enforcer)

// WithPolling sets the first poll interval and the cap of the exponential backoff between polls.
func WithPolling(first, max time.Duration) Option {
	return func(e *Enforcer) {
		if first > 0 {
			e.pollInterval = first
		}
		if max >= e.pollInterval {
			e.maxPoll = max
		}
	}
}

// NewEnforcer returns an Enforcer with the given options.
func NewEnforcer(opts ...Option) *Enforcer {
	e := &Enforcer{
		pollInterval: defaultPollInterval,
		maxPoll:      defaultMaxPoll,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Majority returns the number of nodes forming a majority of n.
func Majority(n int) int {
	return n/2 + 1
}

// Satisfied reports whether st meets level on a cluster of n nodes.
func Satisfied(level dtx.DurabilityLevel, st dtx.ReplicaState, n int) bool {
	m := Majority(n)
	switch level {
	case dtx.DurabilityNone:
		return true
	case dtx.DurabilityMajority:
		return st.Replicated >= m
	case dtx.DurabilityMajorityAndPersistToActive:
		return st.Replicated >= m && st.PersistedActive
	case dtx.DurabilityPersistToMajority:
		return st.Persisted >= m
	}
	return false
}

// Enforce blocks until m meets req.Level or req.Timeout elapses. A timeout
// returns ErrDurabilityTimeout carrying the last observed ReplicaState; the
// write itself is never undone. A cluster that can never meet the level
// returns ErrDurabilityImpossible right away.
func (e *Enforcer) Enforce(ctx context.Context, obs dtx.ReplicaObserver, m dtx.Mutation, req Requirement) error {
	if req.Level == dtx.DurabilityNone {
		return nil
	}
	if !req.Level.IsValid() {
		return fmt.Errorf("durability level %d is not valid", int(req.Level))
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = dtx.DefaultKeyValueTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := obs.Nodes(ctx)
	if err != nil {
		return e.failed(ctx, req, m, dtx.ReplicaState{}, err)
	}
	if n < 1 {
		return dtx.Error{Code: dtx.DurabilityImpossible, Err: fmt.Errorf("cluster reports %d nodes", n), UserData: m}
	}
	if req.Level.RequiresPersistence() {
		if pr, ok := obs.(dtx.PersistenceReporter); ok {
			supported, err := pr.SupportsPersistence(ctx)
			if err != nil {
				return e.failed(ctx, req, m, dtx.ReplicaState{}, err)
			}
			if !supported {
				return dtx.Error{Code: dtx.DurabilityImpossible, Err: fmt.Errorf("%s needs persistence which the cluster does not provide", req.Level), UserData: m}
			}
		}
	}

	var last dtx.ReplicaState
	b := retry.WithCappedDuration(e.maxPoll, retry.NewExponential(e.pollInterval))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		st, err := obs.Observe(ctx, m)
		if err != nil {
			if errors.Is(err, dtx.ErrDurabilityImpossible) || !dtx.ShouldRetry(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		last = st
		if Satisfied(req.Level, st, n) {
			return nil
		}
		return retry.RetryableError(errNotYetDurable)
	})
	if err == nil {
		return nil
	}
	return e.failed(ctx, req, m, last, err)
}

func (e *Enforcer) failed(ctx context.Context, req Requirement, m dtx.Mutation, last dtx.ReplicaState, err error) error {
	if errors.Is(err, dtx.ErrDurabilityImpossible) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		log.Warn("durability not confirmed", "key", m.Key, "cas", m.CAS, "level", req.Level.String(), "observed", last)
		dtx.ObserveDurabilityTimeout()
		return dtx.Error{
			Code:     dtx.DurabilityTimeout,
			Err:      fmt.Errorf("%s not met for %q within %v: %w", req.Level, m.Key, req.Timeout, context.DeadlineExceeded),
			UserData: last,
		}
	}
	return err
}
