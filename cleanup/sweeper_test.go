package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/durability"
	"github.com/sharedcode/dtx/inmemory"
	"github.com/sharedcode/dtx/transaction"
)

var ctx = context.Background()

type fixture struct {
	records *inmemory.RecordStore
	docs    *inmemory.Cluster
	coord   *transaction.Coordinator
}

func newFixture(t *testing.T, cfg dtx.Configuration, opts ...transaction.Option) *fixture {
	t.Helper()
	f := &fixture{
		records: inmemory.NewRecordStore(),
		docs:    inmemory.NewCluster(inmemory.ClusterOptions{}),
	}
	c, err := transaction.NewCoordinator(cfg, f.records, f.docs, opts...)
	require.NoError(t, err)
	f.coord = c
	return f
}

func (f *fixture) sweeper(t *testing.T, cfg dtx.Configuration, opts ...Option) *Sweeper {
	t.Helper()
	s, err := NewSweeper(cfg, f.records, f.docs, opts...)
	require.NoError(t, err)
	return s
}

// abandon stages writes and leaves the transaction as if its process died.
func (f *fixture) abandon(t *testing.T, ops ...transaction.Operation) *transaction.Transaction {
	t.Helper()
	tx, err := f.coord.Begin(ctx, transaction.WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	for _, op := range ops {
		_, err := f.coord.Stage(ctx, tx, op)
		require.NoError(t, err)
	}
	return tx
}

func (f *fixture) value(t *testing.T, key string) (string, bool) {
	t.Helper()
	d, found, err := f.docs.Get(ctx, key)
	require.NoError(t, err)
	if !found {
		return "", false
	}
	assert.Nil(t, d.Staged, "marker left on %s", key)
	c, ok := d.Committed()
	return string(c.Value), ok
}

func later() time.Time {
	return time.Now().Add(time.Hour)
}

func TestSweep_RollsBackAbandonedPendingTransaction(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	f.docs.Upsert(ctx, "R", []byte("old"))
	f.abandon(t, transaction.Insert("I", []byte("x")), transaction.Replace("R", []byte("new"), 0))
	require.Equal(t, 1, f.records.Len())

	n, err := f.sweeper(t, dtx.Configuration{}).Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.records.Len())

	_, ok := f.value(t, "I")
	assert.False(t, ok)
	v, _ := f.value(t, "R")
	assert.Equal(t, "old", v)
}

func TestSweep_RollsForwardCommittedTransaction(t *testing.T) {
	var sw *Sweeper
	f := newFixture(t,
		dtx.Configuration{TransactionTimeout: 300 * time.Millisecond, KeyValueTimeout: 50 * time.Millisecond},
		transaction.WithAbandonedHandler(func(tid dtx.UUID) { sw.Enqueue(tid) }))
	sw = f.sweeper(t, dtx.Configuration{DurabilityLevel: dtx.DurabilityMajority},
		WithEnforcer(durability.NewEnforcer()))

	tx, _ := f.coord.Begin(ctx, transaction.WithDurability(dtx.DurabilityMajority))
	f.coord.Stage(ctx, tx, transaction.Insert("A", []byte("1")))
	f.coord.Stage(ctx, tx, transaction.Insert("B", []byte("2")))
	f.docs.SetFault(func(op, key string) error {
		if op == "Replace" && key == "B" {
			return errors.New("node unavailable")
		}
		return nil
	})
	err := f.coord.Commit(ctx, tx)
	require.ErrorIs(t, err, dtx.ErrExpired)
	assert.Equal(t, 1, sw.Pending())

	f.docs.SetFault(nil)
	// Enqueued and expired: resolved without waiting for the window.
	n, err := sw.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, sw.Pending())
	assert.Equal(t, 0, f.records.Len())

	for k, want := range map[string]string{"A": "1", "B": "2"} {
		v, ok := f.value(t, k)
		assert.True(t, ok, k)
		assert.Equal(t, want, v, k)
	}
}

func TestSweep_LeavesLiveTransactionsAlone(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	tx, _ := f.coord.Begin(ctx)
	_, err := f.coord.Stage(ctx, tx, transaction.Insert("A", []byte("1")))
	require.NoError(t, err)

	cfg := dtx.Configuration{Cleanup: &dtx.CleanupConfig{Window: time.Millisecond}}
	time.Sleep(5 * time.Millisecond)
	n, err := f.sweeper(t, cfg).Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.records.Len())

	require.NoError(t, f.coord.Commit(ctx, tx))
	v, _ := f.value(t, "A")
	assert.Equal(t, "1", v)
}

func TestSweep_ConcurrentSweepersResolveEachRecordOnce(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	const count = 20
	for i := 0; i < count; i++ {
		f.abandon(t, transaction.Insert(string(rune('a'+i)), []byte("x")))
	}
	a := f.sweeper(t, dtx.Configuration{}, WithID("a"))
	b := f.sweeper(t, dtx.Configuration{}, WithID("b"))

	var (
		wg     sync.WaitGroup
		na, nb int
		ea, eb error
	)
	now := later()
	wg.Add(2)
	go func() { defer wg.Done(); na, ea = a.Sweep(ctx, now) }()
	go func() { defer wg.Done(); nb, eb = b.Sweep(ctx, now) }()
	wg.Wait()

	require.NoError(t, ea)
	require.NoError(t, eb)
	assert.Equal(t, count, na+nb)
	assert.Equal(t, 0, f.records.Len())
}

func TestSweep_SkipsFreshClaimOfAnotherSweeper(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	tx := f.abandon(t, transaction.Insert("A", []byte("1")))
	now := later()

	r, found, err := f.records.Get(ctx, tx.ID())
	require.NoError(t, err)
	require.True(t, found)
	r.ClaimedBy = "other"
	r.ClaimedAt = now
	_, err = f.records.CASReplace(ctx, r, r.Version)
	require.NoError(t, err)

	n, err := f.sweeper(t, dtx.Configuration{}).Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A stale claim is taken over.
	n, err = f.sweeper(t, dtx.Configuration{}).Sweep(ctx, now.Add(2*dtx.DefaultCleanupWindow))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep_TransientErrorSkipsRecord(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	f.abandon(t, transaction.Insert("A", []byte("1")))
	f.abandon(t, transaction.Insert("B", []byte("2")))
	f.docs.SetFault(func(op, key string) error {
		if key == "A" {
			return errors.New("i/o timeout")
		}
		return nil
	})

	s := f.sweeper(t, dtx.Configuration{})
	n, err := s.Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.records.Len())

	f.docs.SetFault(nil)
	n, err = s.Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.records.Len())
}

func TestSweep_FailingRecordDoesNotStarveBatch(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	f.abandon(t, transaction.Insert("A", []byte("1")))
	f.abandon(t, transaction.Insert("B", []byte("2")))
	f.docs.SetFault(func(op, key string) error {
		if key == "A" {
			return errors.New("i/o timeout")
		}
		return nil
	})

	s := f.sweeper(t, dtx.Configuration{Cleanup: &dtx.CleanupConfig{BatchSize: 1}})
	now := later()
	n, err := s.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.records.Len())
	_, ok := f.value(t, "B")
	assert.False(t, ok)

	// With nothing else left, the failed record gets its turn again.
	f.docs.SetFault(nil)
	n, err = s.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.records.Len())
}

func TestSweep_SystemicErrorAbortsCycle(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	f.abandon(t, transaction.Insert("A", []byte("1")))
	f.records.SetFault(func(op, key string) error {
		if op == "CASReplace" {
			return dtx.Systemic(errors.New("cluster unreachable"))
		}
		return nil
	})
	_, err := f.sweeper(t, dtx.Configuration{}).Sweep(ctx, later())
	assert.ErrorIs(t, err, dtx.ErrSystemicStorage)

	f.records.SetFault(func(op, key string) error {
		if op == "ScanOlderThan" {
			return errors.New("scan failed")
		}
		return nil
	})
	_, err = f.sweeper(t, dtx.Configuration{}).Sweep(ctx, later())
	assert.Error(t, err)
}

func TestSweep_LostAttemptsDisabledOnlyTakesEnqueued(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	tx := f.abandon(t, transaction.Insert("A", []byte("1")))
	f.abandon(t, transaction.Insert("B", []byte("2")))

	s := f.sweeper(t, dtx.Configuration{Cleanup: &dtx.CleanupConfig{LostAttempts: dtx.Bool(false)}})
	n, err := s.Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	s.Enqueue(tx.ID())
	n, err = s.Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.records.Len())
}

func TestSweep_ClientAttemptsDisabledIgnoresEnqueue(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	s := f.sweeper(t, dtx.Configuration{Cleanup: &dtx.CleanupConfig{ClientAttempts: dtx.Bool(false)}})
	s.Enqueue(dtx.NewUUID())
	assert.Equal(t, 0, s.Pending())
}

func TestSweep_LeaseHeldElsewhereSkipsCycle(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	f.abandon(t, transaction.Insert("A", []byte("1")))
	locker := inmemory.NewLocker()

	held := locker.CreateLockKeys([]string{sweepLockName})
	ok, _, err := locker.Lock(ctx, time.Minute, held)
	require.NoError(t, err)
	require.True(t, ok)

	s := f.sweeper(t, dtx.Configuration{}, WithLocker(locker))
	n, err := s.Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, locker.Unlock(ctx, held))
	n, err = s.Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type memArchive struct {
	mux     sync.Mutex
	records []dtx.CleanupRecord
	fail    bool
}

func (a *memArchive) Archive(ctx context.Context, r dtx.CleanupRecord) error {
	a.mux.Lock()
	defer a.mux.Unlock()
	if a.fail {
		return errors.New("bucket unavailable")
	}
	a.records = append(a.records, r)
	return nil
}

func TestSweep_ArchivesResolvedRecords(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	tx := f.abandon(t, transaction.Insert("A", []byte("1")))
	archive := &memArchive{fail: true}
	s := f.sweeper(t, dtx.Configuration{}, WithArchiver(archive), WithID("archiver"))

	n, err := s.Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.records.Len(), "record kept until archived")

	archive.fail = false
	n, err = s.Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, archive.records, 1)
	got := archive.records[0]
	assert.Equal(t, tx.ID(), got.TxnID)
	assert.Equal(t, dtx.RecordAborted, got.State)
	assert.Equal(t, "archiver", got.ClaimedBy)
}

func TestSweep_ClaimFencesOwner(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	tx, _ := f.coord.Begin(ctx)
	f.coord.Stage(ctx, tx, transaction.Insert("A", []byte("1")))

	// The sweeper runs as if the deadline had passed, the owner is slow but alive.
	n, err := f.sweeper(t, dtx.Configuration{}).Sweep(ctx, later())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = f.coord.Commit(ctx, tx)
	assert.ErrorIs(t, err, dtx.ErrConflict)
	_, ok := f.value(t, "A")
	assert.False(t, ok)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, dtx.Configuration{})
	s := f.sweeper(t, dtx.Configuration{Cleanup: &dtx.CleanupConfig{Window: 20 * time.Millisecond}})
	c, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.Run(c)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
