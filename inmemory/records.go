package inmemory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sharedcode/dtx"
)

// RecordStore is a dtx.RecordStore kept in a concurrent map.
type RecordStore struct {
	records *xsync.MapOf[string, dtx.CleanupRecord]
	faults  faults
}

// NewRecordStore returns an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: xsync.NewMapOf[string, dtx.CleanupRecord](),
	}
}

// SetFault installs fn to fail store calls; nil removes it.
func (s *RecordStore) SetFault(fn FaultFunc) {
	s.faults.set(fn)
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	return s.records.Size()
}

func (s *RecordStore) Put(ctx context.Context, r dtx.CleanupRecord) (dtx.CleanupRecord, error) {
	key := r.TxnID.String()
	if err := s.faults.check("Put", key); err != nil {
		return dtx.CleanupRecord{}, err
	}
	r = r.Clone()
	r.Version = 1
	exists := false
	s.records.Compute(key, func(old dtx.CleanupRecord, loaded bool) (dtx.CleanupRecord, bool) {
		if loaded {
			exists = true
			return old, false
		}
		return r, false
	})
	if exists {
		return dtx.CleanupRecord{}, dtx.Error{Code: dtx.RecordExists, UserData: key}
	}
	return r.Clone(), nil
}

func (s *RecordStore) Get(ctx context.Context, tid dtx.UUID) (dtx.CleanupRecord, bool, error) {
	key := tid.String()
	if err := s.faults.check("Get", key); err != nil {
		return dtx.CleanupRecord{}, false, err
	}
	r, ok := s.records.Load(key)
	if !ok {
		return dtx.CleanupRecord{}, false, nil
	}
	return r.Clone(), true, nil
}

func (s *RecordStore) CASReplace(ctx context.Context, r dtx.CleanupRecord, expectedVersion uint64) (dtx.CleanupRecord, error) {
	key := r.TxnID.String()
	if err := s.faults.check("CASReplace", key); err != nil {
		return dtx.CleanupRecord{}, err
	}
	r = r.Clone()
	r.Version = expectedVersion + 1
	var err error
	s.records.Compute(key, func(old dtx.CleanupRecord, loaded bool) (dtx.CleanupRecord, bool) {
		if !loaded {
			err = dtx.Error{Code: dtx.RecordNotFound, UserData: key}
			return old, true
		}
		if old.Version != expectedVersion {
			err = dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("record %s is at version %d, expected %d", key, old.Version, expectedVersion)}
			return old, false
		}
		return r, false
	})
	if err != nil {
		return dtx.CleanupRecord{}, err
	}
	return r.Clone(), nil
}

func (s *RecordStore) Delete(ctx context.Context, r dtx.CleanupRecord) error {
	key := r.TxnID.String()
	if err := s.faults.check("Delete", key); err != nil {
		return err
	}
	var err error
	s.records.Compute(key, func(old dtx.CleanupRecord, loaded bool) (dtx.CleanupRecord, bool) {
		if !loaded {
			err = dtx.Error{Code: dtx.RecordNotFound, UserData: key}
			return old, true
		}
		if old.Version != r.Version {
			err = dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("record %s is at version %d, expected %d", key, old.Version, r.Version)}
			return old, false
		}
		return old, true
	})
	return err
}

func (s *RecordStore) ScanOlderThan(ctx context.Context, t time.Time, limit int) ([]dtx.CleanupRecord, error) {
	if err := s.faults.check("ScanOlderThan", ""); err != nil {
		return nil, err
	}
	var found []dtx.CleanupRecord
	s.records.Range(func(key string, r dtx.CleanupRecord) bool {
		if r.StartedAt.Before(t) {
			found = append(found, r.Clone())
		}
		return true
	})
	slices.SortFunc(found, func(a, b dtx.CleanupRecord) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return a.TxnID.Compare(b.TxnID)
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}
