// Package transaction implements the optimistic, staged-commit transaction
// coordinator: begin, get, stage, commit and rollback.
package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/durability"
)

// State of a Transaction.
//
//	Staging -> Committing -> Committed | Expired
//	Staging -> RollingBack -> RolledBack
type State int

const (
	Staging State = iota
	Committing
	Committed
	RollingBack
	RolledBack
	// Expired transactions are left for the cleanup sweeper.
	Expired
)

func (s State) String() string {
	switch s {
	case Staging:
		return "staging"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RollingBack:
		return "rollingBack"
	case RolledBack:
		return "rolledBack"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether no further operation changes the transaction.
func (s State) IsTerminal() bool {
	return s == Committed || s == RolledBack || s == Expired
}

// Operation is a write staged in a transaction.
type Operation struct {
	Kind  dtx.OpKind
	Key   string
	Value []byte
	// CAS the caller expects the document to carry. Zero uses the CAS this
	// transaction observed through Get, or the current one if the key was never read.
	CAS dtx.CAS
	// Durability overrides the configured level for this write.
	Durability        *dtx.DurabilityLevel
	DurabilityTimeout time.Duration
	// Timeout overrides the key-value timeout of the calls staging this write.
	Timeout time.Duration
}

// Insert returns an operation creating key.
func Insert(key string, value []byte) Operation {
	return Operation{Kind: dtx.OpInsert, Key: key, Value: value}
}

// Replace returns an operation overwriting key, expected at cas (zero: as observed).
func Replace(key string, value []byte, cas dtx.CAS) Operation {
	return Operation{Kind: dtx.OpReplace, Key: key, Value: value, CAS: cas}
}

// Remove returns an operation deleting key, expected at cas (zero: as observed).
func Remove(key string, cas dtx.CAS) Operation {
	return Operation{Kind: dtx.OpRemove, Key: key, CAS: cas}
}

// StagedOperation is a write whose provisional marker is on the document.
type StagedOperation struct {
	Key   string
	Value []byte
	// CAS of the document before the marker was written, zero if it did not exist.
	OriginalCAS dtx.CAS
	Kind        dtx.OpKind
	// CAS of the document carrying the marker. Commit checks it is unchanged.
	MarkerCAS   dtx.CAS
	Requirement durability.Requirement
}

type observation struct {
	cas    dtx.CAS
	exists bool
}

// Transaction is owned by the Coordinator that began it. Its methods are safe
// for concurrent use; operations on one transaction are serialized.
type Transaction struct {
	mux        sync.Mutex
	id         dtx.UUID
	state      State
	startedAt  time.Time
	deadline   time.Time
	durability dtx.DurabilityLevel
	staged     []StagedOperation
	index      map[string]int
	observed   map[string]observation

	record    dtx.CleanupRecord
	hasRecord bool
	// Set once a record write was attempted, even if its outcome is unknown.
	recordAttempted bool
}

func (t *Transaction) ID() dtx.UUID {
	return t.id
}

func (t *Transaction) State() State {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.state
}

func (t *Transaction) StartedAt() time.Time {
	return t.startedAt
}

// Deadline is the start time plus the transaction timeout.
func (t *Transaction) Deadline() time.Time {
	return t.deadline
}

// Staged returns a copy of the staged operations in staging order.
func (t *Transaction) Staged() []StagedOperation {
	t.mux.Lock()
	defer t.mux.Unlock()
	r := make([]StagedOperation, len(t.staged))
	copy(r, t.staged)
	return r
}

func (t *Transaction) reindex() {
	t.index = make(map[string]int, len(t.staged))
	for i, so := range t.staged {
		t.index[so.Key] = i
	}
}
