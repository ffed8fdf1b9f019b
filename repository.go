package dtx

import (
	"context"
	"time"
)

// RecordStore persists CleanupRecords. Every mutation is a compare-and-swap on Version.
type RecordStore interface {
	// Put creates the record with Version 1. Returns ErrRecordExists if the id is taken.
	Put(ctx context.Context, r CleanupRecord) (CleanupRecord, error)
	// Get fetches the record of a transaction.
	Get(ctx context.Context, tid UUID) (CleanupRecord, bool, error)
	// CASReplace stores r if the stored Version equals expectedVersion and returns
	// r with its new Version. Returns ErrCASMismatch or ErrRecordNotFound otherwise.
	CASReplace(ctx context.Context, r CleanupRecord, expectedVersion uint64) (CleanupRecord, error)
	// Delete removes the record if its stored Version equals r.Version.
	Delete(ctx context.Context, r CleanupRecord) error
	// ScanOlderThan returns up to limit records started before t, oldest first.
	// A limit of zero or less means no limit.
	ScanOlderThan(ctx context.Context, t time.Time, limit int) ([]CleanupRecord, error)
}

// ReplicaObserver reports how far a mutation travelled through the cluster.
type ReplicaObserver interface {
	// Nodes returns the number of nodes holding the key space, active included.
	Nodes(ctx context.Context) (int, error)
	// Observe returns the current replication and persistence of m.
	Observe(ctx context.Context, m Mutation) (ReplicaState, error)
}

// PersistenceReporter is implemented by observers that can tell a persistence
// requirement will never be met, e.g. append-only file is disabled.
type PersistenceReporter interface {
	SupportsPersistence(ctx context.Context) (bool, error)
}

// DocumentStore is the key-value store transactions write to.
type DocumentStore interface {
	Get(ctx context.Context, key string) (Document, bool, error)
	// Insert stores doc if the key does not exist (tombstones included), else ErrCASMismatch.
	Insert(ctx context.Context, doc Document) (Mutation, error)
	// Replace stores doc if the stored CAS equals cas. Returns ErrDocumentNotFound or ErrCASMismatch.
	Replace(ctx context.Context, doc Document, cas CAS) (Mutation, error)
	// Remove deletes the key if the stored CAS equals cas.
	Remove(ctx context.Context, key string, cas CAS) (Mutation, error)
	ReplicaObserver
}

// LockKey contain fields to allow locking and unlocking of a set of keys.
type LockKey struct {
	Key         string
	LockID      UUID
	IsLockOwner bool
}

// Locker is a lease lock service.
type Locker interface {
	// CreateLockKeys prefixes keys and assigns each a new lock id.
	CreateLockKeys(keys []string) []*LockKey
	// Lock acquires all keys for duration. Returns false and the owner of the
	// first held key when any of them is locked by someone else.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// IsLocked reports whether all keys are still owned by the caller.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// Unlock releases the keys the caller owns.
	Unlock(ctx context.Context, lockKeys []*LockKey) error
}

// Archiver keeps a copy of resolved cleanup records.
type Archiver interface {
	Archive(ctx context.Context, r CleanupRecord) error
}
