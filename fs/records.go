// Package fs implements dtx.RecordStore on a local or mounted file system,
// one file per cleanup record. A single process owns the directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/encoding"
)

const (
	recordExt = ".rec"
	tempExt   = ".tmp"
)

// RecordStore writes each record to <dir>/<txn id>.rec through a temp file
// and a rename, so a crash leaves either the old or the new record.
type RecordStore struct {
	dir     string
	dio     DirectIO
	encoder *encoding.RecordEncoder
	// Serializes mutations, the version check and the write must not interleave.
	mux sync.Mutex
}

// NewRecordStore creates dir if missing and returns a RecordStore on it.
func NewRecordStore(dir string) (*RecordStore, error) {
	return NewRecordStoreWithDirectIO(dir, NewDirectIO())
}

// NewRecordStoreWithDirectIO allows tests to inject a DirectIO.
func NewRecordStoreWithDirectIO(dir string, dio DirectIO) (*RecordStore, error) {
	if dir == "" {
		return nil, errors.New("records directory can't be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageError(err)
	}
	return &RecordStore{dir: dir, dio: dio, encoder: encoding.NewRecordMarshaler()}, nil
}

// storageError marks errors meaning the whole volume is unusable as systemic.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EROFS) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrPermission) {
		return dtx.Systemic(err)
	}
	return err
}

func (s *RecordStore) path(tid dtx.UUID) string {
	return filepath.Join(s.dir, tid.String()+recordExt)
}

func (s *RecordStore) read(path string) (dtx.CleanupRecord, bool, error) {
	ba, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return dtx.CleanupRecord{}, false, nil
		}
		return dtx.CleanupRecord{}, false, storageError(err)
	}
	var r dtx.CleanupRecord
	if err := s.encoder.Unmarshal(ba, &r); err != nil {
		return dtx.CleanupRecord{}, false, fmt.Errorf("%s: %w", path, err)
	}
	return r, true, nil
}

func (s *RecordStore) write(r dtx.CleanupRecord) error {
	frame, err := s.encoder.Marshal(r, nil)
	if err != nil {
		return err
	}
	block := s.dio.AlignedBlock(len(frame))
	copy(block, frame)

	final := s.path(r.TxnID)
	tmp := final + tempExt
	f, direct, err := s.dio.Open(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return storageError(err)
	}
	if _, err := f.WriteAt(block, 0); err != nil {
		f.Close()
		os.Remove(tmp)
		return storageError(err)
	}
	if !direct {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return storageError(err)
		}
	}
	if err := f.Close(); err != nil {
		return storageError(err)
	}
	return storageError(os.Rename(tmp, final))
}

func (s *RecordStore) Put(ctx context.Context, r dtx.CleanupRecord) (dtx.CleanupRecord, error) {
	if err := ctx.Err(); err != nil {
		return dtx.CleanupRecord{}, err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, found, err := s.read(s.path(r.TxnID)); err != nil {
		return dtx.CleanupRecord{}, err
	} else if found {
		return dtx.CleanupRecord{}, dtx.Error{Code: dtx.RecordExists, UserData: r.TxnID.String()}
	}
	r = r.Clone()
	r.Version = 1
	if err := s.write(r); err != nil {
		return dtx.CleanupRecord{}, err
	}
	return r, nil
}

func (s *RecordStore) Get(ctx context.Context, tid dtx.UUID) (dtx.CleanupRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return dtx.CleanupRecord{}, false, err
	}
	return s.read(s.path(tid))
}

func (s *RecordStore) current(tid dtx.UUID, expected uint64) error {
	cur, found, err := s.read(s.path(tid))
	if err != nil {
		return err
	}
	if !found {
		return dtx.Error{Code: dtx.RecordNotFound, UserData: tid.String()}
	}
	if cur.Version != expected {
		return dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("record %s is at version %d, expected %d", tid, cur.Version, expected)}
	}
	return nil
}

func (s *RecordStore) CASReplace(ctx context.Context, r dtx.CleanupRecord, expectedVersion uint64) (dtx.CleanupRecord, error) {
	if err := ctx.Err(); err != nil {
		return dtx.CleanupRecord{}, err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if err := s.current(r.TxnID, expectedVersion); err != nil {
		return dtx.CleanupRecord{}, err
	}
	r = r.Clone()
	r.Version = expectedVersion + 1
	if err := s.write(r); err != nil {
		return dtx.CleanupRecord{}, err
	}
	return r, nil
}

func (s *RecordStore) Delete(ctx context.Context, r dtx.CleanupRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if err := s.current(r.TxnID, r.Version); err != nil {
		return err
	}
	if err := os.Remove(s.path(r.TxnID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageError(err)
	}
	return nil
}

// ScanOlderThan reads every record file; corrupt files are logged and skipped.
func (s *RecordStore) ScanOlderThan(ctx context.Context, t time.Time, limit int) ([]dtx.CleanupRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, storageError(err)
	}
	var r []dtx.CleanupRecord
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		rec, found, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			if errors.Is(err, encoding.ErrCorruptRecord) {
				log.Warn("skipping corrupt cleanup record file", "file", e.Name(), "error", err)
				continue
			}
			return nil, err
		}
		if found && rec.StartedAt.Before(t) {
			r = append(r, rec)
		}
	}
	slices.SortFunc(r, func(a, b dtx.CleanupRecord) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return a.TxnID.Compare(b.TxnID)
	})
	if limit > 0 && len(r) > limit {
		r = r[:limit]
	}
	return r, nil
}
