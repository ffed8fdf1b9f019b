package transaction

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/internal/staging"
	"github.com/sharedcode/dtx/timeout"
)

// Commit makes the staged operations of t visible atomically.
//
// Phase (a) checks every marker still carries its CAS and flips the cleanup
// record from pending to committed; that flip is the commit point. Any
// mismatch rolls the transaction back and returns ErrConflict. Phase (b)
// applies the staged operations in staging order, confirming each write's
// durability, then completes and deletes the record. Phase (b) is not
// cancelled by ctx; it runs until the transaction deadline at most. When the
// deadline passes first Commit returns ErrExpired and the record is left for
// the cleanup sweeper. If ctx is cancelled while phase (b) runs, Commit
// returns ErrIndeterminate and phase (b) continues in the background.
func (c *Coordinator) Commit(ctx context.Context, t *Transaction) error {
	t.mux.Lock()
	switch t.state {
	case Committed:
		t.mux.Unlock()
		return nil
	case Expired:
		t.mux.Unlock()
		return dtx.Error{Code: dtx.Expired, Err: fmt.Errorf("transaction %s expired", t.id), UserData: t.id}
	case Staging:
	default:
		t.mux.Unlock()
		return dtx.Error{Code: dtx.InvalidState, Err: fmt.Errorf("commit: transaction %s is %s", t.id, t.state), UserData: t.id}
	}
	start := time.Now()
	err := c.commit(ctx, t)
	dtx.ObserveCommit(dtx.OutcomeOf(err), start)
	return err
}

// commit is entered with t.mux held and releases it.
func (c *Coordinator) commit(ctx context.Context, t *Transaction) error {
	unlock := true
	defer func() {
		if unlock {
			t.mux.Unlock()
		}
	}()
	if err := c.checkActive(ctx, t, "commit"); err != nil {
		return err
	}
	if len(t.staged) == 0 {
		c.deleteRecord(ctx, t)
		t.state = Committed
		c.forget(t)
		return nil
	}

	txnCtx, cancel := c.txnContext(ctx, t)
	defer cancel()
	if err := c.verifyMarkers(txnCtx, t); err != nil {
		c.rollbackAfter(ctx, t, err)
		return err
	}

	committing := t.record.Clone()
	committing.State = dtx.RecordCommitted
	flipped, err := c.casRecord(txnCtx, committing, t.record.Version)
	if err != nil {
		rec, landed, rerr := c.flipLanded(ctx, t)
		switch {
		case rerr != nil:
			t.state = Expired
			c.forget(t)
			c.abandon(t)
			return dtx.Error{Code: dtx.Ambiguous, Err: fmt.Errorf("commit point of %s unknown: %w", t.id, errors.Join(err, rerr)), UserData: t.id}
		case !landed:
			c.rollbackAfter(ctx, t, err)
			if isCASFailure(err) {
				return conflict("commit: record of transaction %s was changed by another party: %v", t.id, err)
			}
			return err
		}
		flipped = rec
	}
	t.record = flipped
	t.state = Committing
	log.Debug("commit point reached", "tid", t.id.String(), "ops", len(t.staged))

	// Phase (b) must not depend on the caller; the deadline still bounds it.
	applyCtx, applyCancel := context.WithDeadline(context.WithoutCancel(ctx), t.deadline)
	staged := make([]StagedOperation, len(t.staged))
	copy(staged, t.staged)
	done := make(chan applyResult, 1)
	go func() {
		defer applyCancel()
		done <- c.apply(applyCtx, t.id, staged, flipped)
	}()

	select {
	case r := <-done:
		return c.finish(t, r)
	case <-ctx.Done():
		unlock = false
		go func() {
			r := <-done
			c.finish(t, r)
			t.mux.Unlock()
		}()
		return dtx.Error{Code: dtx.Ambiguous, Err: fmt.Errorf("commit of %s still applying: %w", t.id, ctx.Err()), UserData: t.id}
	}
}

// rollbackAfter rolls t back after cause ended phase (a).
func (c *Coordinator) rollbackAfter(ctx context.Context, t *Transaction, cause error) {
	if err := c.rollback(ctx, t); err != nil {
		log.Warn("rollback after failed commit did not finish", "tid", t.id.String(), "cause", cause, "error", err)
	}
}

func (c *Coordinator) verifyMarkers(ctx context.Context, t *Transaction) error {
	for _, so := range t.staged {
		doc, found, err := c.getDocument(ctx, 0, so.Key)
		if err != nil {
			return err
		}
		if !found || !doc.StagedBy(t.id) || doc.CAS != so.MarkerCAS {
			return conflict("commit: staged marker on %q changed", so.Key)
		}
	}
	return nil
}

// flipLanded reads the record back after an ambiguous commit flip.
func (c *Coordinator) flipLanded(ctx context.Context, t *Transaction) (dtx.CleanupRecord, bool, error) {
	rec, found, err := c.getRecord(context.WithoutCancel(ctx), t.id)
	if err != nil {
		return dtx.CleanupRecord{}, false, err
	}
	if !found {
		return dtx.CleanupRecord{}, false, nil
	}
	landed := rec.State == dtx.RecordCommitted && rec.Version == t.record.Version+1
	return rec, landed, nil
}

type applyResult struct {
	// Write failure, the transaction is left committed for the sweeper.
	err error
	// Durability failure of applied writes.
	durabilityErr error
}

// apply is phase (b). Writes go in staging order; durability of each write is
// awaited concurrently with the following writes.
func (c *Coordinator) apply(ctx context.Context, tid dtx.UUID, staged []StagedOperation, rec dtx.CleanupRecord) applyResult {
	var g errgroup.Group
	for _, so := range staged {
		m, err := c.applyOne(ctx, tid, so)
		if err != nil {
			g.Wait()
			return applyResult{err: err}
		}
		if so.Requirement.Level == dtx.DurabilityNone || m.CAS == 0 {
			continue
		}
		req := so.Requirement
		g.Go(func() error {
			return c.enforcer.Enforce(ctx, c.docs, m, req)
		})
	}
	durErr := g.Wait()
	c.completeRecord(ctx, rec)
	return applyResult{durabilityErr: durErr}
}

var applyBackoff = func() retry.Backoff {
	return retry.WithCappedDuration(250*time.Millisecond, retry.NewFibonacci(10*time.Millisecond))
}

type applied struct {
	m  dtx.Mutation
	ok bool
}

// applyOne finalizes one staged write, retrying transient failures until ctx ends.
func (c *Coordinator) applyOne(ctx context.Context, tid dtx.UUID, so StagedOperation) (dtx.Mutation, error) {
	marker := dtx.StagedMarker{TxnID: tid, Kind: so.Kind, Value: so.Value}
	var m dtx.Mutation
	err := retry.Do(ctx, applyBackoff(), func(ctx context.Context) error {
		mut, err := timeout.Call(ctx, c.governor, 0, "apply "+so.Key, func(ctx context.Context) (dtx.Mutation, error) {
			return staging.Write(ctx, c.docs, so.Key, marker, so.MarkerCAS)
		})
		if err == nil {
			m = mut
			return nil
		}
		if isCASFailure(err) {
			// An earlier attempt may have landed, or the sweeper rolled it forward.
			r, aerr := timeout.Call(ctx, c.governor, 0, "apply "+so.Key, func(ctx context.Context) (applied, error) {
				m, ok, err := staging.Apply(ctx, c.docs, tid, so.Key)
				return applied{m, ok}, err
			})
			if aerr == nil {
				m = r.m
				return nil
			}
			err = aerr
		}
		if ctx.Err() == nil && (dtx.ShouldRetry(err) || errors.Is(err, dtx.ErrTimeout)) {
			log.Debug("apply retry", "tid", tid.String(), "key", so.Key, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return m, err
}

// completeRecord marks the record completed then deletes it. Failures only
// leave work for the sweeper, which finds no markers left to apply.
func (c *Coordinator) completeRecord(ctx context.Context, rec dtx.CleanupRecord) {
	ctx = context.WithoutCancel(ctx)
	completed := rec.Clone()
	completed.State = dtx.RecordCompleted
	stored, err := c.casRecord(ctx, completed, rec.Version)
	if err != nil {
		log.Warn("could not mark record completed", "tid", rec.TxnID.String(), "error", err)
		return
	}
	if err := c.governor.Do(ctx, 0, "delete record "+rec.TxnID.String(), func(ctx context.Context) error {
		return c.records.Delete(ctx, stored)
	}); err != nil && !errors.Is(err, dtx.ErrRecordNotFound) {
		log.Warn("could not delete completed record", "tid", rec.TxnID.String(), "error", err)
	}
}

// finish records the result of phase (b) on t. Called with t.mux held.
func (c *Coordinator) finish(t *Transaction, r applyResult) error {
	defer c.forget(t)
	if r.err != nil {
		t.state = Expired
		c.abandon(t)
		log.Warn("commit left for cleanup", "tid", t.id.String(), "error", r.err)
		if errors.Is(r.err, context.DeadlineExceeded) || dtx.Now().After(t.deadline) {
			return dtx.Error{Code: dtx.Expired, Err: r.err, UserData: t.id}
		}
		return dtx.Error{Code: dtx.Ambiguous, Err: r.err, UserData: t.id}
	}
	t.state = Committed
	if r.durabilityErr != nil {
		if errors.Is(r.durabilityErr, dtx.ErrDurabilityTimeout) {
			return r.durabilityErr
		}
		return dtx.Error{Code: dtx.Ambiguous, Err: fmt.Errorf("committed without durability: %w", r.durabilityErr), UserData: t.id}
	}
	log.Debug("committed", "tid", t.id.String())
	return nil
}
