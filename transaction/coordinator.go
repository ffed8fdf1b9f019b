package transaction

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/durability"
	"github.com/sharedcode/dtx/timeout"
)

// Coordinator runs transactions over a DocumentStore, using a RecordStore as
// the source of truth of each transaction's fate.
type Coordinator struct {
	config      dtx.Configuration
	records     dtx.RecordStore
	docs        dtx.DocumentStore
	enforcer    *durability.Enforcer
	resolver    *durability.Resolver
	governor    *timeout.Governor
	active      *xsync.MapOf[string, *Transaction]
	onAbandoned func(dtx.UUID)
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithEnforcer replaces the default durability Enforcer.
func WithEnforcer(e *durability.Enforcer) Option {
	return func(c *Coordinator) {
		c.enforcer = e
	}
}

// WithAbandonedHandler registers fn to receive the ids of transactions this
// coordinator could not finish, typically cleanup.Sweeper.Enqueue.
func WithAbandonedHandler(fn func(dtx.UUID)) Option {
	return func(c *Coordinator) {
		c.onAbandoned = fn
	}
}

// NewCoordinator validates cfg and keeps a defaulted copy of it.
func NewCoordinator(cfg dtx.Configuration, records dtx.RecordStore, docs dtx.DocumentStore, opts ...Option) (*Coordinator, error) {
	if records == nil || docs == nil {
		return nil, errors.New("record store and document store can't be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transactions configuration: %w", err)
	}
	cfg = cfg.WithDefaults()
	resolver, err := durability.NewResolver(cfg)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		config:   cfg,
		records:  records,
		docs:     docs,
		enforcer: durability.NewEnforcer(),
		resolver: resolver,
		governor: timeout.NewGovernor(cfg.KeyValueTimeout),
		active:   xsync.NewMapOf[string, *Transaction](),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Config returns the coordinator's configuration.
func (c *Coordinator) Config() dtx.Configuration {
	return c.config.WithDefaults()
}

type beginOptions struct {
	timeout    time.Duration
	durability dtx.DurabilityLevel
}

// BeginOption customizes one transaction.
type BeginOption func(*beginOptions)

// WithTimeout overrides the configured transaction timeout.
func WithTimeout(d time.Duration) BeginOption {
	return func(o *beginOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDurability overrides the configured durability level of the transaction's writes.
func WithDurability(l dtx.DurabilityLevel) BeginOption {
	return func(o *beginOptions) {
		o.durability = l
	}
}

// Begin starts a transaction. Nothing is written until the first Stage.
func (c *Coordinator) Begin(ctx context.Context, opts ...BeginOption) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bo := beginOptions{timeout: c.config.TransactionTimeout, durability: c.config.DurabilityLevel}
	for _, o := range opts {
		o(&bo)
	}
	if !bo.durability.IsValid() {
		return nil, fmt.Errorf("durability level %d is not valid", int(bo.durability))
	}
	now := dtx.Now()
	t := &Transaction{
		id:         dtx.NewUUID(),
		state:      Staging,
		startedAt:  now,
		deadline:   now.Add(bo.timeout),
		durability: bo.durability,
		index:      make(map[string]int),
		observed:   make(map[string]observation),
	}
	c.active.Store(t.id.String(), t)
	dtx.TransactionStarted()
	log.Debug("transaction begun", "tid", t.id.String(), "deadline", t.deadline, "durability", bo.durability.String())
	return t, nil
}

// Lookup returns an active transaction of this coordinator.
func (c *Coordinator) Lookup(tid dtx.UUID) (*Transaction, bool) {
	return c.active.Load(tid.String())
}

// Active returns the number of transactions not yet finished.
func (c *Coordinator) Active() int {
	return c.active.Size()
}

// Get reads key inside t. The transaction's own staged write is returned when
// there is one; other transactions' staged inserts read as not found.
func (c *Coordinator) Get(ctx context.Context, t *Transaction, key string) (dtx.Document, bool, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if err := c.checkActive(ctx, t, "get"); err != nil {
		return dtx.Document{}, false, err
	}
	if i, ok := t.index[key]; ok {
		so := t.staged[i]
		if so.Kind == dtx.OpRemove {
			return dtx.Document{}, false, nil
		}
		return dtx.Document{Key: key, Value: append([]byte(nil), so.Value...), CAS: so.MarkerCAS}, true, nil
	}
	ctx, cancel := c.txnContext(ctx, t)
	defer cancel()
	doc, found, err := c.getDocument(ctx, 0, key)
	if err != nil {
		return dtx.Document{}, false, err
	}
	if !found {
		t.observed[key] = observation{}
		return dtx.Document{}, false, nil
	}
	committed, exists := doc.Committed()
	t.observed[key] = observation{cas: doc.CAS, exists: exists}
	return committed, exists, nil
}

func (c *Coordinator) txnContext(ctx context.Context, t *Transaction) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, t.deadline)
}

// checkActive fails operations on finished transactions. A transaction past
// its deadline is rolled back and ErrTimeout returned.
func (c *Coordinator) checkActive(ctx context.Context, t *Transaction, op string) error {
	if t.state != Staging {
		return dtx.Error{Code: dtx.InvalidState, Err: fmt.Errorf("%s: transaction %s is %s", op, t.id, t.state), UserData: t.id}
	}
	if dtx.Now().After(t.deadline) {
		if err := c.rollback(ctx, t); err != nil {
			log.Warn("rollback of timed out transaction failed", "tid", t.id.String(), "error", err)
		}
		return dtx.Error{Code: dtx.Timeout, Err: fmt.Errorf("%s: transaction %s passed its deadline %v: %w", op, t.id, t.deadline, context.DeadlineExceeded), UserData: t.id}
	}
	return nil
}

func (c *Coordinator) forget(t *Transaction) {
	if _, ok := c.active.LoadAndDelete(t.id.String()); ok {
		dtx.TransactionEnded()
	}
}

func (c *Coordinator) abandon(t *Transaction) {
	if c.onAbandoned != nil && c.config.Cleanup.ClientAttemptsEnabled() {
		c.onAbandoned(t.id)
	}
}

func conflict(format string, args ...any) error {
	dtx.ObserveConflict()
	return dtx.Error{Code: dtx.Conflict, Err: fmt.Errorf(format, args...)}
}

func isCASFailure(err error) bool {
	return errors.Is(err, dtx.ErrCASMismatch) || errors.Is(err, dtx.ErrDocumentNotFound) || errors.Is(err, dtx.ErrRecordNotFound)
}

type getResult struct {
	doc   dtx.Document
	found bool
}

func (c *Coordinator) getDocument(ctx context.Context, override time.Duration, key string) (dtx.Document, bool, error) {
	r, err := timeout.Call(ctx, c.governor, override, "get "+key, func(ctx context.Context) (getResult, error) {
		d, found, err := c.docs.Get(ctx, key)
		return getResult{d, found}, err
	})
	return r.doc, r.found, err
}

type recordResult struct {
	rec   dtx.CleanupRecord
	found bool
}

func (c *Coordinator) getRecord(ctx context.Context, tid dtx.UUID) (dtx.CleanupRecord, bool, error) {
	r, err := timeout.Call(ctx, c.governor, 0, "get record "+tid.String(), func(ctx context.Context) (recordResult, error) {
		rec, found, err := c.records.Get(ctx, tid)
		return recordResult{rec, found}, err
	})
	return r.rec, r.found, err
}

func (c *Coordinator) casRecord(ctx context.Context, next dtx.CleanupRecord, expected uint64) (dtx.CleanupRecord, error) {
	next.UpdatedAt = dtx.Now()
	return timeout.Call(ctx, c.governor, 0, "update record "+next.TxnID.String(), func(ctx context.Context) (dtx.CleanupRecord, error) {
		return c.records.CASReplace(ctx, next, expected)
	})
}
