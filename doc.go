// Package dtx defines the core types of a distributed transaction coordinator:
// the transactions Configuration, cleanup records, documents, the store
// interfaces backends implement and the shared error codes.
//
// The coordinator itself lives in package transaction, the durability
// enforcer in durability, the per-operation deadline in timeout and the
// recovery of abandoned transactions in cleanup. Backends live in inmemory,
// redis, cassandra and fs.
package dtx

// Outcome model
//
// A commit returns one of three outcomes, see OutcomeOf:
//  1. Succeeded: every staged operation was applied.
//  2. FailedCleanly: nothing was applied (ErrConflict, ErrTimeout before the commit point).
//  3. Indeterminate: the cleanup record was flipped to committed but the caller
//     could not observe the apply finish (ErrExpired, ErrDurabilityTimeout).
//     The sweeper rolls such transactions forward.
//
// Timeouts are normalized with ErrTimeout which wraps the underlying context
// error so errors.Is(err, context.DeadlineExceeded) keeps working.
