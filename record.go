package dtx

import (
	"fmt"
	"time"
)

// RecordState is the state of a CleanupRecord. The record is the single source
// of truth of whether its transaction committed.
type RecordState int

const (
	RecordPending RecordState = iota
	RecordCommitted
	RecordCompleted
	RecordAborted
)

func (s RecordState) String() string {
	switch s {
	case RecordPending:
		return "pending"
	case RecordCommitted:
		return "committed"
	case RecordCompleted:
		return "completed"
	case RecordAborted:
		return "aborted"
	}
	return fmt.Sprintf("RecordState(%d)", int(s))
}

func (s RecordState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RecordState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = RecordPending
	case "committed":
		*s = RecordCommitted
	case "completed":
		*s = RecordCompleted
	case "aborted":
		*s = RecordAborted
	default:
		return fmt.Errorf("unknown record state %q", string(b))
	}
	return nil
}

// RecordOp lists a key a transaction staged, in staging order.
type RecordOp struct {
	Key  string `json:"key"`
	Kind OpKind `json:"kind"`
}

// CleanupRecord is the durable record of a transaction used to recover it when
// the owning process disappears.
type CleanupRecord struct {
	TxnID      UUID            `json:"txn_id"`
	State      RecordState     `json:"state"`
	Durability DurabilityLevel `json:"durability"`
	Ops        []RecordOp      `json:"ops"`
	StartedAt  time.Time       `json:"started_at"`
	Deadline   time.Time       `json:"deadline"`
	UpdatedAt  time.Time       `json:"updated_at"`
	// Sweeper currently resolving the record, if any.
	ClaimedBy string    `json:"claimed_by,omitempty"`
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
	// Version is the record CAS. Stores set it; callers never increment it.
	Version uint64 `json:"version"`
}

// IsExpired reports whether the transaction deadline passed at now.
func (r CleanupRecord) IsExpired(now time.Time) bool {
	return now.After(r.Deadline)
}

// IsClaimed reports whether another sweeper holds a claim younger than window.
func (r CleanupRecord) IsClaimed(by string, now time.Time, window time.Duration) bool {
	return r.ClaimedBy != "" && r.ClaimedBy != by && now.Sub(r.ClaimedAt) < window
}

// HasKey reports whether key is among the record's ops.
func (r CleanupRecord) HasKey(key string) bool {
	for _, op := range r.Ops {
		if op.Key == key {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no memory with r.
func (r CleanupRecord) Clone() CleanupRecord {
	c := r
	c.Ops = append([]RecordOp(nil), r.Ops...)
	return c
}
