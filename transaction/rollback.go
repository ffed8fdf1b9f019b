package transaction

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/internal/staging"
)

// Rollback discards the staged operations of t. It is a no-op on committed,
// rolled back and expired transactions. A rollback that fails part way keeps
// the transaction in RollingBack; calling Rollback again resumes it.
func (c *Coordinator) Rollback(ctx context.Context, t *Transaction) error {
	t.mux.Lock()
	defer t.mux.Unlock()
	switch t.state {
	case Committed, RolledBack, Expired:
		return nil
	case Committing:
		return dtx.Error{Code: dtx.InvalidState, Err: fmt.Errorf("rollback: transaction %s is committing", t.id), UserData: t.id}
	}
	return c.rollback(ctx, t)
}

// rollback marks the record aborted, removes the markers in reverse staging
// order and deletes the record. Called with t.mux held.
func (c *Coordinator) rollback(ctx context.Context, t *Transaction) error {
	t.state = RollingBack
	if err := c.abortRecord(ctx, t); err != nil {
		c.abandon(t)
		return err
	}
	var errs []error
	for i := len(t.staged) - 1; i >= 0; i-- {
		key := t.staged[i].Key
		if err := c.governor.Do(ctx, 0, "unstage "+key, func(ctx context.Context) error {
			return staging.Unstage(ctx, c.docs, t.id, key)
		}); err != nil {
			errs = append(errs, fmt.Errorf("unstage %q: %w", key, err))
		}
	}
	if len(errs) > 0 {
		c.abandon(t)
		return errors.Join(errs...)
	}
	c.deleteRecord(ctx, t)
	t.state = RolledBack
	c.forget(t)
	dtx.ObserveRollback()
	log.Debug("rolled back", "tid", t.id.String(), "ops", len(t.staged))
	return nil
}

// abortRecord moves the record to aborted so it can never be committed.
func (c *Coordinator) abortRecord(ctx context.Context, t *Transaction) error {
	if !t.hasRecord {
		if !t.recordAttempted {
			return nil
		}
		rec, found, err := c.getRecord(ctx, t.id)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		t.record = rec
		t.hasRecord = true
	}
	for i := 0; i < 2; i++ {
		switch t.record.State {
		case dtx.RecordAborted:
			return nil
		case dtx.RecordCommitted, dtx.RecordCompleted:
			return dtx.Error{Code: dtx.InvalidState, Err: fmt.Errorf("rollback: record of %s is %s", t.id, t.record.State), UserData: t.id}
		}
		aborted := t.record.Clone()
		aborted.State = dtx.RecordAborted
		stored, err := c.casRecord(ctx, aborted, t.record.Version)
		if err == nil {
			t.record = stored
			return nil
		}
		if !isCASFailure(err) {
			return err
		}
		// A contender or the sweeper got to the record first.
		rec, found, gerr := c.getRecord(ctx, t.id)
		if gerr != nil {
			return gerr
		}
		if !found {
			t.hasRecord = false
			return nil
		}
		t.record = rec
	}
	if t.record.State == dtx.RecordAborted {
		return nil
	}
	return conflict("rollback: record of %s keeps changing", t.id)
}

func (c *Coordinator) deleteRecord(ctx context.Context, t *Transaction) {
	if !t.hasRecord {
		return
	}
	err := c.governor.Do(ctx, 0, "delete record "+t.id.String(), func(ctx context.Context) error {
		return c.records.Delete(ctx, t.record)
	})
	if err == nil || errors.Is(err, dtx.ErrRecordNotFound) {
		t.hasRecord = false
		return
	}
	log.Warn("could not delete cleanup record, left for the sweeper", "tid", t.id.String(), "error", err)
}
