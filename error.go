package dtx

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an Error.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	LockAcquisitionFailure
	Conflict
	Expired
	DurabilityTimeout
	DurabilityImpossible
	Timeout
	SystemicStorage
	CASMismatch
	DocumentNotFound
	RecordNotFound
	RecordExists
	InvalidState
	Ambiguous
)

var (
	// ErrConflict is returned when a transaction lost an optimistic concurrency race.
	// Nothing of the transaction was applied.
	ErrConflict = errors.New("transaction conflict")
	// ErrExpired is returned when the transaction deadline elapsed after the commit point.
	// The final state is unknown to the caller and is resolved by cleanup.
	ErrExpired = errors.New("transaction expired after commit point")
	// ErrDurabilityTimeout means a write was applied but its durability was not confirmed in time.
	ErrDurabilityTimeout = errors.New("durability not confirmed within timeout")
	// ErrDurabilityImpossible means the cluster can never satisfy the requested durability.
	ErrDurabilityImpossible = errors.New("durability requirement cannot be satisfied")
	// ErrTimeout is returned when an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrSystemicStorage marks storage failures that affect every record, e.g. the backend is unreachable.
	ErrSystemicStorage = errors.New("systemic storage failure")
	ErrCASMismatch      = errors.New("cas mismatch")
	ErrDocumentNotFound = errors.New("document not found")
	ErrRecordNotFound   = errors.New("cleanup record not found")
	ErrRecordExists     = errors.New("cleanup record already exists")
	ErrInvalidState     = errors.New("invalid transaction state")
	// ErrIndeterminate is returned when the commit point was reached but applying it did not complete.
	ErrIndeterminate = errors.New("transaction outcome indeterminate")
)

var sentinels = map[ErrorCode]error{
	Conflict:             ErrConflict,
	Expired:              ErrExpired,
	DurabilityTimeout:    ErrDurabilityTimeout,
	DurabilityImpossible: ErrDurabilityImpossible,
	Timeout:              ErrTimeout,
	SystemicStorage:      ErrSystemicStorage,
	CASMismatch:          ErrCASMismatch,
	DocumentNotFound:     ErrDocumentNotFound,
	RecordNotFound:       ErrRecordNotFound,
	RecordExists:         ErrRecordExists,
	InvalidState:         ErrInvalidState,
	Ambiguous:            ErrIndeterminate,
}

// Error is the dtx custom error. Code maps to one of the package sentinels so
// errors.Is(err, ErrConflict) holds for an Error{Code: Conflict}.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	err := e.Err
	if err == nil {
		err = sentinels[e.Code]
	}
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, err).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of this error's Code.
func (e Error) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// NewError is a shorthand for creating an Error with the given code.
func NewError(code ErrorCode, err error, userData any) error {
	return Error{Code: code, Err: err, UserData: userData}
}

// Systemic marks err as a storage failure that is not specific to one record.
func Systemic(err error) error {
	if err == nil || errors.Is(err, ErrSystemicStorage) {
		return err
	}
	return Error{Code: SystemicStorage, Err: err}
}

// Outcome is the caller-visible result of a transaction.
type Outcome int

const (
	// Succeeded: all staged operations were applied.
	Succeeded Outcome = iota
	// FailedCleanly: none of the staged operations were applied.
	FailedCleanly
	// Indeterminate: the commit point may have been reached; cleanup decides the final state.
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case FailedCleanly:
		return "failedCleanly"
	case Indeterminate:
		return "indeterminate"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// OutcomeOf classifies an error returned by a transaction commit.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Succeeded
	case errors.Is(err, ErrExpired),
		errors.Is(err, ErrIndeterminate),
		errors.Is(err, ErrDurabilityTimeout):
		return Indeterminate
	}
	return FailedCleanly
}
