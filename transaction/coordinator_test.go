package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/inmemory"
)

var ctx = context.Background()

func newCoordinator(t *testing.T, cfg dtx.Configuration, clusterOpts inmemory.ClusterOptions, opts ...Option) (*Coordinator, *inmemory.RecordStore, *inmemory.Cluster) {
	t.Helper()
	records := inmemory.NewRecordStore()
	docs := inmemory.NewCluster(clusterOpts)
	c, err := NewCoordinator(cfg, records, docs, opts...)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	return c, records, docs
}

func committedValue(t *testing.T, docs *inmemory.Cluster, key string) (string, bool) {
	t.Helper()
	d, found, err := docs.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	if !found {
		return "", false
	}
	if d.Staged != nil {
		t.Fatalf("%s still carries a staged marker of %v", key, d.Staged.TxnID)
	}
	c, ok := d.Committed()
	return string(c.Value), ok
}

func TestCommit_InsertsWithMajorityAndBlocksConcurrentStage(t *testing.T) {
	c, records, docs := newCoordinator(t,
		dtx.Configuration{DurabilityLevel: dtx.DurabilityMajority},
		inmemory.ClusterOptions{Nodes: 3, ReplicationLag: 20 * time.Millisecond})

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Stage(ctx, tx, Insert("A", []byte("1"))); err != nil {
		t.Fatalf("stage A: %v", err)
	}
	if _, err := c.Stage(ctx, tx, Insert("B", []byte("2"))); err != nil {
		t.Fatalf("stage B: %v", err)
	}

	other, _ := c.Begin(ctx)
	if _, err := c.Stage(ctx, other, Insert("A", []byte("x"))); !errors.Is(err, dtx.ErrConflict) {
		t.Fatalf("expected ErrConflict staging A concurrently, got %v", err)
	}
	if err := c.Rollback(ctx, other); err != nil {
		t.Fatalf("rollback of loser: %v", err)
	}

	start := time.Now()
	if err := c.Commit(ctx, tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Errorf("commit returned before the majority could have replicated")
	}
	if tx.State() != Committed {
		t.Errorf("state: got %v", tx.State())
	}
	if v, ok := committedValue(t, docs, "A"); !ok || v != "1" {
		t.Errorf("A: got %q, %v", v, ok)
	}
	if v, ok := committedValue(t, docs, "B"); !ok || v != "2" {
		t.Errorf("B: got %q, %v", v, ok)
	}
	if records.Len() != 0 {
		t.Errorf("cleanup record not removed, %d left", records.Len())
	}
	if c.Active() != 0 {
		t.Errorf("active transactions: got %d", c.Active())
	}
}

func TestStage_StaleCASConflictsWithoutRecord(t *testing.T) {
	c, records, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	m1, _ := docs.Upsert(ctx, "A", []byte("v1"))
	docs.Upsert(ctx, "A", []byte("v2"))

	tx, _ := c.Begin(ctx)
	_, err := c.Stage(ctx, tx, Replace("A", []byte("v3"), m1.CAS))
	if !errors.Is(err, dtx.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if dtx.OutcomeOf(err) != dtx.FailedCleanly {
		t.Errorf("stale stage must fail cleanly")
	}
	if records.Len() != 0 {
		t.Fatalf("no record must be written, found %d", records.Len())
	}
	if v, _ := committedValue(t, docs, "A"); v != "v2" {
		t.Fatalf("A: got %q", v)
	}
}

func TestStage_ObservedCASIsUsed(t *testing.T) {
	c, _, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	docs.Upsert(ctx, "A", []byte("v1"))

	tx, _ := c.Begin(ctx)
	d, found, err := c.Get(ctx, tx, "A")
	if err != nil || !found || string(d.Value) != "v1" {
		t.Fatalf("Get: %v %v %v", d, found, err)
	}
	docs.Upsert(ctx, "A", []byte("changed"))
	if _, err := c.Stage(ctx, tx, Replace("A", []byte("v2"), 0)); !errors.Is(err, dtx.ErrConflict) {
		t.Fatalf("expected ErrConflict after concurrent change, got %v", err)
	}
	if _, err := c.Stage(ctx, tx, Remove("missing", 0)); !errors.Is(err, dtx.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	c.Rollback(ctx, tx)
}

func TestGet_ReadYourWritesOnly(t *testing.T) {
	c, _, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	docs.Upsert(ctx, "R", []byte("old"))

	tx, _ := c.Begin(ctx)
	c.Stage(ctx, tx, Insert("X", []byte("new")))
	c.Stage(ctx, tx, Replace("R", []byte("newer"), 0))

	if d, found, _ := c.Get(ctx, tx, "X"); !found || string(d.Value) != "new" {
		t.Errorf("own staged insert not visible: %v %v", d, found)
	}
	if d, _, _ := c.Get(ctx, tx, "R"); string(d.Value) != "newer" {
		t.Errorf("own staged replace not visible: %q", d.Value)
	}

	reader, _ := c.Begin(ctx)
	if _, found, _ := c.Get(ctx, reader, "X"); found {
		t.Errorf("staged insert of another transaction must read as not found")
	}
	if d, _, _ := c.Get(ctx, reader, "R"); string(d.Value) != "old" {
		t.Errorf("staged replace leaked to another transaction: %q", d.Value)
	}
	raw, _, _ := docs.Get(ctx, "R")
	if committed, _ := raw.Committed(); string(committed.Value) != "old" {
		t.Errorf("staged value visible as committed data: %q", committed.Value)
	}
	c.Rollback(ctx, tx)
	c.Rollback(ctx, reader)
}

func TestRollback_RestoresAndIsIdempotent(t *testing.T) {
	c, records, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	docs.Upsert(ctx, "R", []byte("old"))
	docs.Upsert(ctx, "D", []byte("keep"))

	tx, _ := c.Begin(ctx)
	c.Stage(ctx, tx, Insert("I", []byte("x")))
	c.Stage(ctx, tx, Replace("R", []byte("new"), 0))
	c.Stage(ctx, tx, Remove("D", 0))

	if err := c.Rollback(ctx, tx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := c.Rollback(ctx, tx); err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if tx.State() != RolledBack {
		t.Errorf("state: got %v", tx.State())
	}
	if _, ok := committedValue(t, docs, "I"); ok {
		t.Errorf("staged insert survived rollback")
	}
	if v, _ := committedValue(t, docs, "R"); v != "old" {
		t.Errorf("R: got %q", v)
	}
	if v, _ := committedValue(t, docs, "D"); v != "keep" {
		t.Errorf("D: got %q", v)
	}
	if records.Len() != 0 {
		t.Errorf("record left after rollback")
	}
	if err := c.Commit(ctx, tx); !errors.Is(err, dtx.ErrInvalidState) {
		t.Errorf("commit after rollback: expected ErrInvalidState, got %v", err)
	}
}

func TestRollback_AfterCommitIsNoop(t *testing.T) {
	c, _, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	tx, _ := c.Begin(ctx)
	c.Stage(ctx, tx, Insert("A", []byte("1")))
	if err := c.Commit(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if err := c.Rollback(ctx, tx); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}
	if err := c.Commit(ctx, tx); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if v, ok := committedValue(t, docs, "A"); !ok || v != "1" {
		t.Fatalf("A: got %q, %v", v, ok)
	}
	if _, err := c.Stage(ctx, tx, Insert("B", nil)); !errors.Is(err, dtx.ErrInvalidState) {
		t.Fatalf("stage after commit: expected ErrInvalidState, got %v", err)
	}
}

func TestCommit_ConcurrentSameKeyOnlyOneWins(t *testing.T) {
	c, records, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	docs.Upsert(ctx, "A", []byte("0"))

	const n = 8
	var (
		read, wg            sync.WaitGroup
		mux                 sync.Mutex
		succeeded, conflict int
	)
	read.Add(n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			tx, _ := c.Begin(ctx)
			_, _, err := c.Get(ctx, tx, "A")
			read.Done()
			read.Wait()
			if err == nil {
				_, err = c.Stage(ctx, tx, Replace("A", []byte{byte('a' + i)}, 0))
			}
			if err == nil {
				err = c.Commit(ctx, tx)
			}
			mux.Lock()
			defer mux.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, dtx.ErrConflict):
				conflict++
				c.Rollback(ctx, tx)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if succeeded != 1 || conflict != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", n-1, succeeded, conflict)
	}
	if records.Len() != 0 {
		t.Errorf("records left: %d", records.Len())
	}
}

func TestCommit_ConflictAtCommitPointAppliesNothing(t *testing.T) {
	c, records, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	docs.Upsert(ctx, "A", []byte("a0"))
	docs.Upsert(ctx, "B", []byte("b0"))

	tx, _ := c.Begin(ctx)
	c.Stage(ctx, tx, Replace("A", []byte("a1"), 0))
	c.Stage(ctx, tx, Replace("B", []byte("b1"), 0))
	// A blind non-transactional write wipes the marker on A.
	docs.Upsert(ctx, "A", []byte("blind"))

	err := c.Commit(ctx, tx)
	if !errors.Is(err, dtx.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if tx.State() != RolledBack {
		t.Errorf("state: got %v", tx.State())
	}
	if v, _ := committedValue(t, docs, "B"); v != "b0" {
		t.Errorf("B must not be applied, got %q", v)
	}
	if records.Len() != 0 {
		t.Errorf("record left after conflict")
	}
}

func TestCommit_DeadlineDuringApplyIsIndeterminate(t *testing.T) {
	var (
		mux       sync.Mutex
		abandoned []dtx.UUID
	)
	c, records, docs := newCoordinator(t,
		dtx.Configuration{TransactionTimeout: 300 * time.Millisecond, KeyValueTimeout: 50 * time.Millisecond},
		inmemory.ClusterOptions{},
		WithAbandonedHandler(func(tid dtx.UUID) {
			mux.Lock()
			abandoned = append(abandoned, tid)
			mux.Unlock()
		}))

	tx, _ := c.Begin(ctx)
	c.Stage(ctx, tx, Insert("A", []byte("1")))
	c.Stage(ctx, tx, Insert("B", []byte("2")))
	docs.SetFault(func(op, key string) error {
		if op == "Replace" && key == "B" {
			return errors.New("node unavailable")
		}
		return nil
	})

	err := c.Commit(ctx, tx)
	if !errors.Is(err, dtx.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if dtx.OutcomeOf(err) != dtx.Indeterminate {
		t.Fatalf("expiry after commit point must be indeterminate, never failed")
	}
	if tx.State() != Expired {
		t.Errorf("state: got %v", tx.State())
	}
	rec, found, _ := records.Get(ctx, tx.ID())
	if !found || rec.State != dtx.RecordCommitted {
		t.Fatalf("expected committed record for the sweeper, got %+v found=%v", rec, found)
	}
	docs.SetFault(nil)
	if v, _ := committedValue(t, docs, "A"); v != "1" {
		t.Errorf("A applied before the failure: got %q", v)
	}
	if d, _, _ := docs.Get(ctx, "B"); !d.StagedBy(tx.ID()) {
		t.Errorf("B must still carry its marker")
	}
	mux.Lock()
	defer mux.Unlock()
	if len(abandoned) != 1 || abandoned[0] != tx.ID() {
		t.Errorf("expected the transaction handed to cleanup, got %v", abandoned)
	}
	if err := c.Rollback(ctx, tx); err != nil {
		t.Errorf("rollback after expiry is a no-op, got %v", err)
	}
}

func TestCommit_TimeoutBeforeCommitPointFailsCleanly(t *testing.T) {
	c, records, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	docs.Upsert(ctx, "A", []byte("a0"))

	tx, _ := c.Begin(ctx, WithTimeout(30*time.Millisecond))
	c.Stage(ctx, tx, Replace("A", []byte("a1"), 0))
	time.Sleep(50 * time.Millisecond)

	err := c.Commit(ctx, tx)
	if !errors.Is(err, dtx.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if dtx.OutcomeOf(err) != dtx.FailedCleanly {
		t.Fatalf("expected failed cleanly")
	}
	if tx.State() != RolledBack {
		t.Errorf("state: got %v", tx.State())
	}
	if v, _ := committedValue(t, docs, "A"); v != "a0" {
		t.Errorf("A: got %q", v)
	}
	if records.Len() != 0 {
		t.Errorf("record left")
	}
}

func TestStage_TakesOverExpiredTransactionsMarker(t *testing.T) {
	c, records, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})

	stale, _ := c.Begin(ctx, WithTimeout(20*time.Millisecond))
	if _, err := c.Stage(ctx, stale, Insert("K", []byte("stale"))); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	tx, _ := c.Begin(ctx)
	if _, err := c.Stage(ctx, tx, Insert("K", []byte("fresh"))); err != nil {
		t.Fatalf("expected takeover of expired marker, got %v", err)
	}
	rec, found, _ := records.Get(ctx, stale.ID())
	if !found || rec.State != dtx.RecordAborted {
		t.Fatalf("blocking transaction must be aborted, got %+v", rec)
	}
	if err := c.Commit(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(ctx, stale); !errors.Is(err, dtx.ErrTimeout) {
		t.Fatalf("expired transaction commit: expected ErrTimeout, got %v", err)
	}
	if v, _ := committedValue(t, docs, "K"); v != "fresh" {
		t.Fatalf("K: got %q", v)
	}
	if records.Len() != 0 {
		t.Errorf("records left: %d", records.Len())
	}
}

func TestStage_RestagingFoldsIntoOneMarker(t *testing.T) {
	c, _, docs := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	docs.Upsert(ctx, "R", []byte("r0"))

	tx, _ := c.Begin(ctx)
	c.Stage(ctx, tx, Insert("I", []byte("i1")))
	if so, err := c.Stage(ctx, tx, Replace("I", []byte("i2"), 0)); err != nil || so.Kind != dtx.OpInsert {
		t.Fatalf("insert then replace: %+v %v", so, err)
	}
	c.Stage(ctx, tx, Insert("gone", []byte("x")))
	if _, err := c.Stage(ctx, tx, Remove("gone", 0)); err != nil {
		t.Fatalf("insert then remove: %v", err)
	}
	c.Stage(ctx, tx, Replace("R", []byte("r1"), 0))
	if so, err := c.Stage(ctx, tx, Remove("R", 0)); err != nil || so.Kind != dtx.OpRemove {
		t.Fatalf("replace then remove: %+v %v", so, err)
	}
	if _, err := c.Stage(ctx, tx, Replace("R", []byte("x"), 0)); !errors.Is(err, dtx.ErrDocumentNotFound) {
		t.Fatalf("replace after remove: expected ErrDocumentNotFound, got %v", err)
	}
	if len(tx.Staged()) != 2 {
		t.Fatalf("expected 2 staged operations, got %d", len(tx.Staged()))
	}
	if err := c.Commit(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if v, _ := committedValue(t, docs, "I"); v != "i2" {
		t.Errorf("I: got %q", v)
	}
	if _, ok, _ := docs.Get(ctx, "gone"); ok {
		t.Errorf("insert then remove must leave nothing")
	}
	if _, ok := committedValue(t, docs, "R"); ok {
		t.Errorf("R must be removed")
	}
}

func TestCommit_DurabilityTimeoutIsIndeterminate(t *testing.T) {
	c, records, docs := newCoordinator(t,
		dtx.Configuration{DurabilityLevel: dtx.DurabilityPersistToMajority},
		inmemory.ClusterOptions{Nodes: 3, PersistenceLag: time.Hour})

	tx, _ := c.Begin(ctx)
	op := Insert("A", []byte("1"))
	op.DurabilityTimeout = 30 * time.Millisecond
	c.Stage(ctx, tx, op)

	err := c.Commit(ctx, tx)
	if !errors.Is(err, dtx.ErrDurabilityTimeout) {
		t.Fatalf("expected ErrDurabilityTimeout, got %v", err)
	}
	if dtx.OutcomeOf(err) != dtx.Indeterminate {
		t.Fatalf("expected indeterminate")
	}
	// The write stays applied.
	if v, _ := committedValue(t, docs, "A"); v != "1" {
		t.Errorf("A: got %q", v)
	}
	if records.Len() != 0 {
		t.Errorf("record left")
	}
}

func TestCommit_PerCallDurabilityOverride(t *testing.T) {
	c, _, _ := newCoordinator(t,
		dtx.Configuration{DurabilityLevel: dtx.DurabilityPersistToMajority},
		inmemory.ClusterOptions{DisablePersistence: true})

	tx, _ := c.Begin(ctx)
	none := dtx.DurabilityNone
	op := Insert("A", []byte("1"))
	op.Durability = &none
	so, err := c.Stage(ctx, tx, op)
	if err != nil || so.Requirement.Level != dtx.DurabilityNone {
		t.Fatalf("stage: %+v %v", so, err)
	}
	if err := c.Commit(ctx, tx); err != nil {
		t.Fatalf("commit with override: %v", err)
	}
}

func TestCommit_EmptyTransaction(t *testing.T) {
	c, _, _ := newCoordinator(t, dtx.Configuration{}, inmemory.ClusterOptions{})
	tx, _ := c.Begin(ctx)
	if _, ok := c.Lookup(tx.ID()); !ok {
		t.Fatalf("active transaction not found")
	}
	if err := c.Commit(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup(tx.ID()); ok {
		t.Fatalf("finished transaction still active")
	}
}

func TestNewCoordinator_RejectsBadConfig(t *testing.T) {
	if _, err := NewCoordinator(dtx.Configuration{KeyValueTimeout: -1}, inmemory.NewRecordStore(), inmemory.NewCluster(inmemory.ClusterOptions{})); err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewCoordinator(dtx.Configuration{DurabilityRules: []dtx.DurabilityRule{{Expression: "key +", Level: dtx.DurabilityMajority}}},
		inmemory.NewRecordStore(), inmemory.NewCluster(inmemory.ClusterOptions{})); err == nil {
		t.Fatal("expected CEL compile error")
	}
}
