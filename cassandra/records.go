package cassandra

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/encoding"
)

var errClosed = dtx.Systemic(errors.New("cassandra connection is closed; call OpenConnection(config) to open it"))

// RecordStore keeps cleanup records in the cleanup_record table. Version is
// a regular column compared by lightweight transactions.
type RecordStore struct {
	conn *Connection
}

// NewRecordStore returns a RecordStore on conn.
func NewRecordStore(conn *Connection) *RecordStore {
	return &RecordStore{conn: conn}
}

// storageError marks errors meaning the cluster can't be reached as systemic.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	var unavailable *gocql.RequestErrUnavailable
	if errors.Is(err, gocql.ErrNoConnections) || errors.Is(err, gocql.ErrSessionClosed) ||
		errors.Is(err, gocql.ErrNoHosts) || errors.As(err, &unavailable) {
		return dtx.Systemic(err)
	}
	return err
}

func (s *RecordStore) session() (*gocql.Session, error) {
	if s.conn == nil || s.conn.Session == nil {
		return nil, errClosed
	}
	return s.conn.Session, nil
}

func (s *RecordStore) table() string {
	return s.conn.Keyspace + ".cleanup_record"
}

func (s *RecordStore) Put(ctx context.Context, r dtx.CleanupRecord) (dtx.CleanupRecord, error) {
	sess, err := s.session()
	if err != nil {
		return dtx.CleanupRecord{}, err
	}
	r = r.Clone()
	r.Version = 1
	ba, err := encoding.DefaultMarshaler.Marshal(r)
	if err != nil {
		return dtx.CleanupRecord{}, err
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id, version, started_at, data) VALUES(?,?,?,?) IF NOT EXISTS;", s.table())
	applied, err := sess.Query(stmt, gocql.UUID(r.TxnID), int64(r.Version), r.StartedAt, ba).
		WithContext(ctx).SerialConsistency(s.conn.SerialConsistency).
		MapScanCAS(map[string]any{})
	if err != nil {
		return dtx.CleanupRecord{}, storageError(err)
	}
	if !applied {
		return dtx.CleanupRecord{}, dtx.Error{Code: dtx.RecordExists, UserData: r.TxnID.String()}
	}
	return r, nil
}

func (s *RecordStore) Get(ctx context.Context, tid dtx.UUID) (dtx.CleanupRecord, bool, error) {
	sess, err := s.session()
	if err != nil {
		return dtx.CleanupRecord{}, false, err
	}
	var (
		version int64
		data    []byte
	)
	stmt := fmt.Sprintf("SELECT version, data FROM %s WHERE id = ?;", s.table())
	if err := sess.Query(stmt, gocql.UUID(tid)).WithContext(ctx).Consistency(s.conn.Consistency).Scan(&version, &data); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return dtx.CleanupRecord{}, false, nil
		}
		return dtx.CleanupRecord{}, false, storageError(err)
	}
	r, err := decode(version, data)
	return r, err == nil, err
}

func decode(version int64, data []byte) (dtx.CleanupRecord, error) {
	var r dtx.CleanupRecord
	if err := encoding.DefaultMarshaler.Unmarshal(data, &r); err != nil {
		return dtx.CleanupRecord{}, err
	}
	r.Version = uint64(version)
	return r, nil
}

// notApplied turns the current row returned by a failed LWT into the error.
func notApplied(tid dtx.UUID, expected uint64, current map[string]any) error {
	if v, ok := current["version"]; ok && v != nil {
		return dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("record %s is at version %v, expected %d", tid, v, expected)}
	}
	return dtx.Error{Code: dtx.RecordNotFound, UserData: tid.String()}
}

func (s *RecordStore) CASReplace(ctx context.Context, r dtx.CleanupRecord, expectedVersion uint64) (dtx.CleanupRecord, error) {
	sess, err := s.session()
	if err != nil {
		return dtx.CleanupRecord{}, err
	}
	r = r.Clone()
	r.Version = expectedVersion + 1
	ba, err := encoding.DefaultMarshaler.Marshal(r)
	if err != nil {
		return dtx.CleanupRecord{}, err
	}
	current := map[string]any{}
	stmt := fmt.Sprintf("UPDATE %s SET version = ?, data = ? WHERE id = ? IF version = ?;", s.table())
	applied, err := sess.Query(stmt, int64(r.Version), ba, gocql.UUID(r.TxnID), int64(expectedVersion)).
		WithContext(ctx).SerialConsistency(s.conn.SerialConsistency).
		MapScanCAS(current)
	if err != nil {
		return dtx.CleanupRecord{}, storageError(err)
	}
	if !applied {
		return dtx.CleanupRecord{}, notApplied(r.TxnID, expectedVersion, current)
	}
	return r, nil
}

func (s *RecordStore) Delete(ctx context.Context, r dtx.CleanupRecord) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	current := map[string]any{}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE id = ? IF version = ?;", s.table())
	applied, err := sess.Query(stmt, gocql.UUID(r.TxnID), int64(r.Version)).
		WithContext(ctx).SerialConsistency(s.conn.SerialConsistency).
		MapScanCAS(current)
	if err != nil {
		return storageError(err)
	}
	if !applied {
		return notApplied(r.TxnID, r.Version, current)
	}
	return nil
}

// ScanOlderThan filters on started_at across partitions, so the rows come
// back in token order and only the returned page is sorted oldest first.
func (s *RecordStore) ScanOlderThan(ctx context.Context, t time.Time, limit int) ([]dtx.CleanupRecord, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT version, data FROM %s WHERE started_at < ? ALLOW FILTERING;", s.table())
	args := []any{t}
	if limit > 0 {
		stmt = fmt.Sprintf("SELECT version, data FROM %s WHERE started_at < ? LIMIT ? ALLOW FILTERING;", s.table())
		args = append(args, limit)
	}
	iter := sess.Query(stmt, args...).WithContext(ctx).Consistency(s.conn.Consistency).Iter()
	var (
		version int64
		data    []byte
		r       []dtx.CleanupRecord
	)
	for iter.Scan(&version, &data) {
		rec, err := decode(version, data)
		if err != nil {
			iter.Close()
			return nil, err
		}
		r = append(r, rec)
	}
	if err := iter.Close(); err != nil {
		return nil, storageError(err)
	}
	slices.SortFunc(r, func(a, b dtx.CleanupRecord) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return r, nil
}
