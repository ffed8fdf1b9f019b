// Package cleanup resolves transactions whose owner disappeared or gave up,
// driven by their cleanup records.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/durability"
	"github.com/sharedcode/dtx/internal/staging"
	"github.com/sharedcode/dtx/timeout"
)

const sweepLockName = "dtx_cleanup_sweep"

// A cycle scans at most this many batches deep looking for eligible records.
const maxScanDepth = 64

// Sweeper claims abandoned cleanup records and finishes their transactions:
// pending and aborted ones are rolled back, committed ones rolled forward.
//
// A record is claimed by a CAS on its version which also flips a pending
// record to aborted, so the owning coordinator can no longer commit it. Any
// number of sweepers can run against the same stores; each record is
// resolved by one of them.
type Sweeper struct {
	id       string
	config   dtx.CleanupConfig
	records  dtx.RecordStore
	docs     dtx.DocumentStore
	governor *timeout.Governor
	enforcer *durability.Enforcer
	locker   dtx.Locker
	archiver dtx.Archiver
	queue    *xsync.MapOf[string, dtx.UUID]
	// Records whose last cleanup failed, until when they yield to others.
	failed *xsync.MapOf[string, time.Time]
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithID names the sweeper in the records it claims. Defaults to hostname and a random suffix.
func WithID(id string) Option {
	return func(s *Sweeper) {
		if id != "" {
			s.id = id
		}
	}
}

// WithLocker makes sweep cycles take a lease so one sweeper scans at a time.
func WithLocker(l dtx.Locker) Option {
	return func(s *Sweeper) {
		s.locker = l
	}
}

// WithArchiver keeps a copy of every resolved record.
func WithArchiver(a dtx.Archiver) Option {
	return func(s *Sweeper) {
		s.archiver = a
	}
}

// WithEnforcer waits for rolled forward writes to meet the record's durability level.
func WithEnforcer(e *durability.Enforcer) Option {
	return func(s *Sweeper) {
		s.enforcer = e
	}
}

// NewSweeper returns a Sweeper using the cleanup options of cfg.
func NewSweeper(cfg dtx.Configuration, records dtx.RecordStore, docs dtx.DocumentStore, opts ...Option) (*Sweeper, error) {
	if records == nil || docs == nil {
		return nil, errors.New("record store and document store can't be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transactions configuration: %w", err)
	}
	cfg = cfg.WithDefaults()
	host, _ := os.Hostname()
	s := &Sweeper{
		id:       fmt.Sprintf("%s-%s", host, dtx.NewUUID().String()[:8]),
		config:   *cfg.Cleanup,
		records:  records,
		docs:     docs,
		governor: timeout.NewGovernor(cfg.KeyValueTimeout),
		queue:    xsync.NewMapOf[string, dtx.UUID](),
		failed:   xsync.NewMapOf[string, time.Time](),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Sweeper) ID() string {
	return s.id
}

// Enqueue hands the sweeper a transaction its coordinator could not finish.
// It is resolved on the next cycle, without waiting for the cleanup window.
func (s *Sweeper) Enqueue(tid dtx.UUID) {
	if !s.config.ClientAttemptsEnabled() {
		return
	}
	s.queue.Store(tid.String(), tid)
}

// Pending returns the number of enqueued transactions.
func (s *Sweeper) Pending() int {
	return s.queue.Size()
}

// Run sweeps every half cleanup window until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.config.Window / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info("cleanup sweeper started", "id", s.id, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("cleanup sweeper stopped", "id", s.id)
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx, dtx.Now()); err != nil {
				log.Error("cleanup sweep failed", "id", s.id, "error", err)
			} else if n > 0 {
				log.Info("cleanup sweep resolved transactions", "id", s.id, "count", n)
			}
		}
	}
}

// Sweep runs one cycle as of now and returns the number of records resolved.
// Failures on single records are logged and left for the next cycle;
// systemic storage errors end the cycle and are returned.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	if s.locker != nil {
		lk := s.locker.CreateLockKeys([]string{sweepLockName})
		ok, owner, err := s.locker.Lock(ctx, s.config.Window, lk)
		if err != nil {
			dtx.ObserveSweep(0, true, start)
			return 0, err
		}
		if !ok {
			log.Debug("another sweeper holds the cleanup lease", "id", s.id, "owner", owner.String())
			return 0, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), lk); err != nil {
				log.Warn("releasing the cleanup lease failed", "id", s.id, "error", err)
			}
		}()
	}

	var candidates []candidate
	candidates = append(candidates, s.drainQueue(ctx)...)
	if s.config.LostAttemptsEnabled() {
		scanned, err := s.scan(ctx, now)
		if err != nil {
			dtx.ObserveSweep(0, true, start)
			return 0, fmt.Errorf("scan of cleanup records failed: %w", err)
		}
		candidates = append(candidates, scanned...)
	}

	var resolved atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		key := c.record.TxnID.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if !s.eligible(c, now) {
			continue
		}
		g.Go(func() error {
			ok, err := s.resolve(gctx, c.record, now)
			if err != nil {
				if errors.Is(err, dtx.ErrSystemicStorage) {
					return err
				}
				log.Warn("cleanup of transaction failed, retried next cycle", "tid", key, "error", err)
				s.failed.Store(key, now.Add(s.config.Window))
				if c.queued {
					s.queue.Store(key, c.record.TxnID)
				}
				return nil
			}
			s.failed.Delete(key)
			if ok {
				resolved.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	n := int(resolved.Load())
	dtx.ObserveSweep(n, err != nil, start)
	return n, err
}

type candidate struct {
	record dtx.CleanupRecord
	queued bool
}

// scan returns up to BatchSize eligible records older than the cleanup
// window, oldest first. Records that failed recently go after the others,
// and the scan reaches deeper while ineligible or failed records fill the
// batch, so they can't hold back newer abandoned transactions.
func (s *Sweeper) scan(ctx context.Context, now time.Time) ([]candidate, error) {
	s.failed.Range(func(key string, until time.Time) bool {
		if !now.Before(until) {
			s.failed.Delete(key)
		}
		return true
	})
	batch := s.config.BatchSize
	for limit := batch; ; limit *= 2 {
		recs, err := s.records.ScanOlderThan(ctx, now.Add(-s.config.Window), limit)
		if err != nil {
			return nil, err
		}
		var fresh, retried []candidate
		for _, r := range recs {
			c := candidate{record: r}
			if !s.eligible(c, now) {
				continue
			}
			if _, ok := s.failed.Load(r.TxnID.String()); ok {
				retried = append(retried, c)
			} else {
				fresh = append(fresh, c)
			}
		}
		if len(fresh) >= batch || len(recs) < limit || limit >= batch*maxScanDepth {
			r := append(fresh, retried...)
			if len(r) > batch {
				r = r[:batch]
			}
			return r, nil
		}
	}
}

func (s *Sweeper) drainQueue(ctx context.Context) []candidate {
	var r []candidate
	s.queue.Range(func(key string, tid dtx.UUID) bool {
		s.queue.Delete(key)
		rec, found, err := s.records.Get(ctx, tid)
		switch {
		case err != nil:
			log.Warn("reading enqueued cleanup record failed", "tid", key, "error", err)
			s.queue.Store(key, tid)
		case found:
			r = append(r, candidate{record: rec, queued: true})
		}
		return true
	})
	return r
}

// eligible reports whether c can be resolved at now. A pending or committed
// record is left alone until its deadline passes, its owner may still be
// working on it. Enqueued records that are no longer pending were given up
// by their owner and are taken at once.
func (s *Sweeper) eligible(c candidate, now time.Time) bool {
	r := c.record
	if r.IsClaimed(s.id, now, s.config.Window) {
		return false
	}
	if r.IsExpired(now) {
		return true
	}
	if c.queued && r.State != dtx.RecordPending {
		return true
	}
	if c.queued {
		// Not yet expired, keep it for a later cycle.
		s.queue.Store(r.TxnID.String(), r.TxnID)
	}
	return false
}

// claim stamps r with this sweeper. A lost race returns false.
func (s *Sweeper) claim(ctx context.Context, r dtx.CleanupRecord, now time.Time) (dtx.CleanupRecord, bool, error) {
	next := r.Clone()
	next.ClaimedBy = s.id
	next.ClaimedAt = now
	next.UpdatedAt = now
	if next.State == dtx.RecordPending {
		next.State = dtx.RecordAborted
	}
	claimed, err := timeout.Call(ctx, s.governor, 0, "claim record "+r.TxnID.String(), func(ctx context.Context) (dtx.CleanupRecord, error) {
		return s.records.CASReplace(ctx, next, r.Version)
	})
	if err != nil {
		if errors.Is(err, dtx.ErrCASMismatch) || errors.Is(err, dtx.ErrRecordNotFound) {
			log.Debug("cleanup record claimed by another party", "tid", r.TxnID.String())
			return dtx.CleanupRecord{}, false, nil
		}
		return dtx.CleanupRecord{}, false, err
	}
	return claimed, true, nil
}

func (s *Sweeper) resolve(ctx context.Context, r dtx.CleanupRecord, now time.Time) (bool, error) {
	claimed, ok, err := s.claim(ctx, r, now)
	if err != nil || !ok {
		return false, err
	}
	tid := claimed.TxnID
	switch claimed.State {
	case dtx.RecordAborted:
		err = s.rollBack(ctx, claimed)
	case dtx.RecordCommitted:
		err = s.rollForward(ctx, claimed)
	case dtx.RecordCompleted:
	default:
		err = fmt.Errorf("cleanup record of %s has state %v", tid, claimed.State)
	}
	if err != nil {
		return false, err
	}
	if s.archiver != nil {
		archived := claimed.Clone()
		if archived.State == dtx.RecordCommitted {
			archived.State = dtx.RecordCompleted
		}
		if err := s.archiver.Archive(ctx, archived); err != nil {
			return false, fmt.Errorf("archive of %s failed: %w", tid, err)
		}
	}
	if err := s.governor.Do(ctx, 0, "delete record "+tid.String(), func(ctx context.Context) error {
		return s.records.Delete(ctx, claimed)
	}); err != nil && !errors.Is(err, dtx.ErrRecordNotFound) {
		return false, err
	}
	log.Info("cleanup resolved transaction", "tid", tid.String(), "state", claimed.State.String(), "ops", len(claimed.Ops), "by", s.id)
	return true, nil
}

// rollBack removes the markers of r in reverse staging order. Keys listed
// in the record but never staged are skipped.
func (s *Sweeper) rollBack(ctx context.Context, r dtx.CleanupRecord) error {
	var errs []error
	for i := len(r.Ops) - 1; i >= 0; i-- {
		key := r.Ops[i].Key
		if err := s.governor.Do(ctx, 0, "unstage "+key, func(ctx context.Context) error {
			return staging.Unstage(ctx, s.docs, r.TxnID, key)
		}); err != nil {
			errs = append(errs, fmt.Errorf("unstage %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

type applied struct {
	m  dtx.Mutation
	ok bool
}

// rollForward applies the markers of a committed r that are still on
// their documents, in staging order.
func (s *Sweeper) rollForward(ctx context.Context, r dtx.CleanupRecord) error {
	var g errgroup.Group
	for _, op := range r.Ops {
		res, err := timeout.Call(ctx, s.governor, 0, "apply "+op.Key, func(ctx context.Context) (applied, error) {
			m, ok, err := staging.Apply(ctx, s.docs, r.TxnID, op.Key)
			return applied{m, ok}, err
		})
		if err != nil {
			g.Wait()
			return fmt.Errorf("apply %q: %w", op.Key, err)
		}
		if !res.ok || s.enforcer == nil || r.Durability == dtx.DurabilityNone {
			continue
		}
		req := durability.Requirement{Level: r.Durability, Timeout: s.governor.Default()}
		m := res.m
		g.Go(func() error {
			return s.enforcer.Enforce(ctx, s.docs, m, req)
		})
	}
	if err := g.Wait(); err != nil {
		// The writes are in, the record can go.
		log.Warn("rolled forward writes not confirmed durable", "tid", r.TxnID.String(), "level", r.Durability.String(), "error", err)
	}
	return nil
}
