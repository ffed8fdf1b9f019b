package transaction

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/durability"
	"github.com/sharedcode/dtx/timeout"
)

// Stage checks op against the document's current CAS and leaves a
// provisional marker on it. The first successful stage creates the
// transaction's cleanup record; each key is listed in the record before its
// marker is written. A failed CAS check writes nothing.
func (c *Coordinator) Stage(ctx context.Context, t *Transaction, op Operation) (StagedOperation, error) {
	if op.Key == "" {
		return StagedOperation{}, errors.New("key can't be empty")
	}
	if !op.Kind.IsValid() {
		return StagedOperation{}, fmt.Errorf("operation kind %d is not valid", int(op.Kind))
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	if err := c.checkActive(ctx, t, "stage"); err != nil {
		return StagedOperation{}, err
	}
	req, err := c.resolver.Resolve(op.Key, op.Durability, t.durability, op.DurabilityTimeout)
	if err != nil {
		return StagedOperation{}, err
	}
	ctx, cancel := c.txnContext(ctx, t)
	defer cancel()
	if i, ok := t.index[op.Key]; ok {
		return c.restage(ctx, t, i, op, req)
	}
	return c.stageNew(ctx, t, op, req)
}

func (c *Coordinator) stageNew(ctx context.Context, t *Transaction, op Operation, req durability.Requirement) (StagedOperation, error) {
	doc, found, err := c.getDocument(ctx, op.Timeout, op.Key)
	if err != nil {
		return StagedOperation{}, err
	}
	if found && doc.Staged != nil && !doc.StagedBy(t.id) {
		if err := c.resolveBlocker(ctx, t, doc); err != nil {
			return StagedOperation{}, err
		}
	}
	exists := found && !doc.Tombstone
	var current dtx.CAS
	if found {
		current = doc.CAS
	}

	switch op.Kind {
	case dtx.OpInsert:
		if exists {
			return StagedOperation{}, conflict("insert: document %q exists", op.Key)
		}
		if obs, ok := t.observed[op.Key]; ok && obs.cas != current {
			return StagedOperation{}, conflict("insert: %q changed since it was read", op.Key)
		}
	default:
		expected := op.CAS
		if expected == 0 {
			if obs, ok := t.observed[op.Key]; ok {
				if !obs.exists && !exists {
					return StagedOperation{}, dtx.Error{Code: dtx.DocumentNotFound, UserData: op.Key}
				}
				expected = obs.cas
				if expected == 0 {
					// Read as absent, since created by someone else.
					return StagedOperation{}, conflict("%s: %q was created since it was read", op.Kind, op.Key)
				}
			}
		}
		if !exists {
			if expected != 0 {
				return StagedOperation{}, conflict("%s: %q was removed since it was read", op.Kind, op.Key)
			}
			return StagedOperation{}, dtx.Error{Code: dtx.DocumentNotFound, UserData: op.Key}
		}
		if expected != 0 && expected != current {
			return StagedOperation{}, conflict("%s: %q cas is %d, expected %d", op.Kind, op.Key, current, expected)
		}
	}

	if err := c.listInRecord(ctx, t, op.Key, op.Kind); err != nil {
		return StagedOperation{}, err
	}

	marker := &dtx.StagedMarker{TxnID: t.id, Kind: op.Kind}
	if op.Kind != dtx.OpRemove {
		marker.Value = append([]byte(nil), op.Value...)
	}
	m, err := timeout.Call(ctx, c.governor, op.Timeout, "stage "+op.Key, func(ctx context.Context) (dtx.Mutation, error) {
		if !found {
			return c.docs.Insert(ctx, dtx.Document{Key: op.Key, Tombstone: true, Staged: marker})
		}
		return c.docs.Replace(ctx, dtx.Document{Key: op.Key, Value: doc.Value, Tombstone: doc.Tombstone, Staged: marker}, doc.CAS)
	})
	if err != nil {
		if isCASFailure(err) {
			return StagedOperation{}, conflict("stage: %q changed concurrently: %v", op.Key, err)
		}
		return StagedOperation{}, err
	}

	so := StagedOperation{
		Key:         op.Key,
		Value:       marker.Value,
		OriginalCAS: current,
		Kind:        op.Kind,
		MarkerCAS:   m.CAS,
		Requirement: req,
	}
	t.staged = append(t.staged, so)
	t.index[op.Key] = len(t.staged) - 1
	t.observed[op.Key] = observation{cas: m.CAS, exists: op.Kind != dtx.OpRemove}
	log.Debug("staged", "tid", t.id.String(), "key", op.Key, "kind", op.Kind.String(), "cas", m.CAS)
	return so, nil
}

// restage folds a second write to a key into the transaction's existing marker.
func (c *Coordinator) restage(ctx context.Context, t *Transaction, i int, op Operation, req durability.Requirement) (StagedOperation, error) {
	prev := t.staged[i]
	if op.CAS != 0 && op.CAS != prev.MarkerCAS {
		return StagedOperation{}, conflict("%s: %q cas is %d, expected %d", op.Kind, op.Key, prev.MarkerCAS, op.CAS)
	}
	kind := op.Kind
	dropInsert := false
	switch prev.Kind {
	case dtx.OpInsert:
		switch op.Kind {
		case dtx.OpInsert:
			return StagedOperation{}, conflict("insert: %q already inserted in this transaction", op.Key)
		case dtx.OpReplace:
			kind = dtx.OpInsert
		case dtx.OpRemove:
			dropInsert = true
		}
	case dtx.OpReplace:
		if op.Kind == dtx.OpInsert {
			return StagedOperation{}, conflict("insert: document %q exists", op.Key)
		}
	case dtx.OpRemove:
		if op.Kind != dtx.OpInsert {
			return StagedOperation{}, dtx.Error{Code: dtx.DocumentNotFound, Err: fmt.Errorf("%q is removed in this transaction", op.Key), UserData: op.Key}
		}
		kind = dtx.OpReplace
	}

	doc, found, err := c.getDocument(ctx, op.Timeout, op.Key)
	if err != nil {
		return StagedOperation{}, err
	}
	if !found || !doc.StagedBy(t.id) || doc.CAS != prev.MarkerCAS {
		return StagedOperation{}, conflict("%s: staged marker on %q was lost", op.Kind, op.Key)
	}

	if dropInsert {
		// Insert then remove leaves nothing behind.
		if _, err := timeout.Call(ctx, c.governor, op.Timeout, "unstage "+op.Key, func(ctx context.Context) (dtx.Mutation, error) {
			return c.docs.Remove(ctx, op.Key, prev.MarkerCAS)
		}); err != nil {
			if isCASFailure(err) {
				return StagedOperation{}, conflict("remove: %q changed concurrently: %v", op.Key, err)
			}
			return StagedOperation{}, err
		}
		t.staged = append(t.staged[:i], t.staged[i+1:]...)
		t.reindex()
		t.observed[op.Key] = observation{}
		return StagedOperation{Key: op.Key, Kind: dtx.OpRemove, OriginalCAS: prev.OriginalCAS, Requirement: req}, nil
	}

	marker := &dtx.StagedMarker{TxnID: t.id, Kind: kind}
	if kind != dtx.OpRemove {
		marker.Value = append([]byte(nil), op.Value...)
	}
	m, err := timeout.Call(ctx, c.governor, op.Timeout, "stage "+op.Key, func(ctx context.Context) (dtx.Mutation, error) {
		return c.docs.Replace(ctx, dtx.Document{Key: op.Key, Value: doc.Value, Tombstone: doc.Tombstone, Staged: marker}, doc.CAS)
	})
	if err != nil {
		if isCASFailure(err) {
			return StagedOperation{}, conflict("stage: %q changed concurrently: %v", op.Key, err)
		}
		return StagedOperation{}, err
	}
	so := StagedOperation{
		Key:         op.Key,
		Value:       marker.Value,
		OriginalCAS: prev.OriginalCAS,
		Kind:        kind,
		MarkerCAS:   m.CAS,
		Requirement: req,
	}
	t.staged[i] = so
	t.observed[op.Key] = observation{cas: m.CAS, exists: kind != dtx.OpRemove}
	return so, nil
}

// listInRecord adds key to the transaction's cleanup record, creating the
// record on the first call.
func (c *Coordinator) listInRecord(ctx context.Context, t *Transaction, key string, kind dtx.OpKind) error {
	if t.hasRecord {
		if t.record.HasKey(key) {
			return nil
		}
		next := t.record.Clone()
		next.Ops = append(next.Ops, dtx.RecordOp{Key: key, Kind: kind})
		stored, err := c.casRecord(ctx, next, t.record.Version)
		if err != nil {
			if isCASFailure(err) {
				return conflict("record of transaction %s was changed by another party: %v", t.id, err)
			}
			return err
		}
		t.record = stored
		return nil
	}

	now := dtx.Now()
	rec := dtx.CleanupRecord{
		TxnID:      t.id,
		State:      dtx.RecordPending,
		Durability: t.durability,
		Ops:        []dtx.RecordOp{{Key: key, Kind: kind}},
		StartedAt:  t.startedAt,
		Deadline:   t.deadline,
		UpdatedAt:  now,
	}
	t.recordAttempted = true
	stored, err := timeout.Call(ctx, c.governor, 0, "create record "+t.id.String(), func(ctx context.Context) (dtx.CleanupRecord, error) {
		return c.records.Put(ctx, rec)
	})
	if err == nil {
		t.record = stored
		t.hasRecord = true
		return nil
	}
	if !errors.Is(err, dtx.ErrRecordExists) {
		return err
	}
	// An earlier attempt whose reply was lost created it.
	got, found, gerr := c.getRecord(ctx, t.id)
	if gerr != nil {
		return gerr
	}
	if !found || got.State != dtx.RecordPending {
		return conflict("record of transaction %s was changed by another party", t.id)
	}
	t.record = got
	t.hasRecord = true
	return c.listInRecord(ctx, t, key, kind)
}

// resolveBlocker decides whether the marker another transaction left on doc
// can be taken over. Markers of finished or missing transactions can; a
// pending transaction past its deadline is aborted first. Live or committing
// owners make the stage a conflict.
func (c *Coordinator) resolveBlocker(ctx context.Context, t *Transaction, doc dtx.Document) error {
	owner := doc.Staged.TxnID
	rec, found, err := c.getRecord(ctx, owner)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	switch rec.State {
	case dtx.RecordAborted, dtx.RecordCompleted:
		return nil
	case dtx.RecordCommitted:
		return conflict("%q is being committed by transaction %s", doc.Key, owner)
	}
	if !rec.IsExpired(dtx.Now()) {
		return conflict("%q is staged by transaction %s", doc.Key, owner)
	}
	aborted := rec.Clone()
	aborted.State = dtx.RecordAborted
	if _, err := c.casRecord(ctx, aborted, rec.Version); err != nil {
		if isCASFailure(err) {
			return conflict("%q: blocking transaction %s changed state: %v", doc.Key, owner, err)
		}
		return err
	}
	log.Info("aborted expired transaction blocking a key", "tid", owner.String(), "key", doc.Key, "by", t.id.String(), "expiredFor", time.Since(rec.Deadline))
	if c.onAbandoned != nil && c.config.Cleanup.ClientAttemptsEnabled() {
		c.onAbandoned(owner)
	}
	return nil
}
