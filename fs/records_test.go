package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/encoding"
)

var ctx = context.Background()

// bufferedIO never uses O_DIRECT, like a file system refusing it.
type bufferedIO struct{ directIO }

func (bufferedIO) Open(filename string, flag int, permission os.FileMode) (*os.File, bool, error) {
	f, err := os.OpenFile(filename, flag, permission)
	return f, false, err
}

func stores(t *testing.T) map[string]*RecordStore {
	direct, err := NewRecordStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	buffered, err := NewRecordStoreWithDirectIO(t.TempDir(), bufferedIO{})
	if err != nil {
		t.Fatal(err)
	}
	return map[string]*RecordStore{"direct": direct, "buffered": buffered}
}

func TestRecordStore_Lifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			r := dtx.CleanupRecord{
				TxnID:     dtx.NewUUID(),
				State:     dtx.RecordPending,
				Ops:       []dtx.RecordOp{{Key: "a", Kind: dtx.OpInsert}},
				StartedAt: now.Add(-time.Minute),
				Deadline:  now,
			}
			stored, err := s.Put(ctx, r)
			if err != nil || stored.Version != 1 {
				t.Fatalf("Put: %+v %v", stored, err)
			}
			if _, err := s.Put(ctx, r); !errors.Is(err, dtx.ErrRecordExists) {
				t.Fatalf("second Put: %v", err)
			}
			next := stored.Clone()
			next.State = dtx.RecordCommitted
			if _, err := s.CASReplace(ctx, next, 3); !errors.Is(err, dtx.ErrCASMismatch) {
				t.Fatalf("stale CAS: %v", err)
			}
			next, err = s.CASReplace(ctx, next, 1)
			if err != nil || next.Version != 2 {
				t.Fatalf("CASReplace: %+v %v", next, err)
			}
			got, found, err := s.Get(ctx, r.TxnID)
			if err != nil || !found || got.State != dtx.RecordCommitted || got.Version != 2 || got.Ops[0].Key != "a" {
				t.Fatalf("Get: %+v %v %v", got, found, err)
			}
			if err := s.Delete(ctx, stored); !errors.Is(err, dtx.ErrCASMismatch) {
				t.Fatalf("stale Delete: %v", err)
			}
			if err := s.Delete(ctx, next); err != nil {
				t.Fatal(err)
			}
			if _, err := s.CASReplace(ctx, next, 2); !errors.Is(err, dtx.ErrRecordNotFound) {
				t.Fatalf("CAS after delete: %v", err)
			}
		})
	}
}

func TestRecordStore_ScanOlderThan(t *testing.T) {
	s := stores(t)["buffered"]
	base := time.Now().Add(-time.Hour)
	var ids []dtx.UUID
	for i := 0; i < 5; i++ {
		r := dtx.CleanupRecord{TxnID: dtx.NewUUID(), StartedAt: base.Add(time.Duration(4-i) * time.Minute)}
		if _, err := s.Put(ctx, r); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.TxnID)
	}
	// Garbage in the directory is skipped.
	os.WriteFile(filepath.Join(s.dir, "junk"+recordExt), []byte("not a record"), 0o644)

	recs, err := s.ScanOlderThan(ctx, base.Add(3*time.Minute), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].TxnID != ids[4] || recs[2].TxnID != ids[2] {
		t.Fatalf("records not oldest first")
	}
}

func TestRecordStore_PaddedFrameOnDisk(t *testing.T) {
	s := stores(t)["direct"]
	r := dtx.CleanupRecord{TxnID: dtx.NewUUID()}
	if _, err := s.Put(ctx, r); err != nil {
		t.Fatal(err)
	}
	ba, err := os.ReadFile(s.path(r.TxnID))
	if err != nil {
		t.Fatal(err)
	}
	if len(ba)%blockSize != 0 {
		t.Fatalf("file size %d is not block aligned", len(ba))
	}
	var got dtx.CleanupRecord
	if err := encoding.NewRecordMarshaler().Unmarshal(ba, &got); err != nil || got.TxnID != r.TxnID {
		t.Fatalf("frame: %+v %v", got, err)
	}
	if _, err := os.Stat(s.path(r.TxnID) + tempExt); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind")
	}
}

func TestStorageError(t *testing.T) {
	if !errors.Is(storageError(&os.PathError{Op: "write", Err: os.ErrPermission}), dtx.ErrSystemicStorage) {
		t.Fatal("permission errors are systemic")
	}
	if errors.Is(storageError(errors.New("short write")), dtx.ErrSystemicStorage) {
		t.Fatal("other errors are not")
	}
}
