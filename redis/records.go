package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/encoding"
)

// RecordStore keeps each cleanup record in a hash ("v" version, "d" data)
// and indexes them by start time in a sorted set.
type RecordStore struct {
	conn *Connection
}

// NewRecordStore returns a RecordStore on conn.
func NewRecordStore(conn *Connection) *RecordStore {
	return &RecordStore{conn: conn}
}

// KEYS: record, index. ARGV: data, score, member.
var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'v', 1, 'd', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1`)

// KEYS: record. ARGV: expected version, data. Returns -1 when missing, 0 on mismatch.
var casScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
if not v then
	return -1
end
if v ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'v', tonumber(ARGV[1]) + 1, 'd', ARGV[2])
return 1`)

// KEYS: record, index. ARGV: expected version, member.
var deleteScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
if not v then
	redis.call('ZREM', KEYS[2], ARGV[2])
	return -1
end
if v ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1`)

func (s *RecordStore) recordKey(tid dtx.UUID) string {
	return s.conn.key("rec", tid.String())
}

func (s *RecordStore) indexKey() string {
	return s.conn.key("rec", "index")
}

func (s *RecordStore) client() (*redis.Client, error) {
	if s.conn == nil || s.conn.Client == nil {
		return nil, errNotOpen
	}
	return s.conn.Client, nil
}

func (s *RecordStore) Put(ctx context.Context, r dtx.CleanupRecord) (dtx.CleanupRecord, error) {
	c, err := s.client()
	if err != nil {
		return dtx.CleanupRecord{}, err
	}
	r = r.Clone()
	r.Version = 1
	ba, err := encoding.DefaultMarshaler.Marshal(r)
	if err != nil {
		return dtx.CleanupRecord{}, err
	}
	n, err := putScript.Run(ctx, c, []string{s.recordKey(r.TxnID), s.indexKey()}, ba, r.StartedAt.UnixNano(), r.TxnID.String()).Int()
	if err != nil {
		return dtx.CleanupRecord{}, storageError(err)
	}
	if n == 0 {
		return dtx.CleanupRecord{}, dtx.Error{Code: dtx.RecordExists, UserData: r.TxnID.String()}
	}
	return r, nil
}

func (s *RecordStore) Get(ctx context.Context, tid dtx.UUID) (dtx.CleanupRecord, bool, error) {
	c, err := s.client()
	if err != nil {
		return dtx.CleanupRecord{}, false, err
	}
	vals, err := c.HMGet(ctx, s.recordKey(tid), "v", "d").Result()
	if err != nil {
		return dtx.CleanupRecord{}, false, storageError(err)
	}
	return decodeRecord(vals)
}

func decodeRecord(vals []any) (dtx.CleanupRecord, bool, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return dtx.CleanupRecord{}, false, nil
	}
	version, err := strconv.ParseUint(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return dtx.CleanupRecord{}, false, fmt.Errorf("record version %v: %w", vals[0], err)
	}
	var r dtx.CleanupRecord
	if err := encoding.DefaultMarshaler.Unmarshal([]byte(fmt.Sprint(vals[1])), &r); err != nil {
		return dtx.CleanupRecord{}, false, err
	}
	r.Version = version
	return r, true, nil
}

func (s *RecordStore) CASReplace(ctx context.Context, r dtx.CleanupRecord, expectedVersion uint64) (dtx.CleanupRecord, error) {
	c, err := s.client()
	if err != nil {
		return dtx.CleanupRecord{}, err
	}
	r = r.Clone()
	r.Version = expectedVersion + 1
	ba, err := encoding.DefaultMarshaler.Marshal(r)
	if err != nil {
		return dtx.CleanupRecord{}, err
	}
	n, err := casScript.Run(ctx, c, []string{s.recordKey(r.TxnID)}, strconv.FormatUint(expectedVersion, 10), ba).Int()
	if err != nil {
		return dtx.CleanupRecord{}, storageError(err)
	}
	switch n {
	case -1:
		return dtx.CleanupRecord{}, dtx.Error{Code: dtx.RecordNotFound, UserData: r.TxnID.String()}
	case 0:
		return dtx.CleanupRecord{}, dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("record %s is not at version %d", r.TxnID, expectedVersion)}
	}
	return r, nil
}

func (s *RecordStore) Delete(ctx context.Context, r dtx.CleanupRecord) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	n, err := deleteScript.Run(ctx, c, []string{s.recordKey(r.TxnID), s.indexKey()}, strconv.FormatUint(r.Version, 10), r.TxnID.String()).Int()
	if err != nil {
		return storageError(err)
	}
	switch n {
	case -1:
		return dtx.Error{Code: dtx.RecordNotFound, UserData: r.TxnID.String()}
	case 0:
		return dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("record %s is not at version %d", r.TxnID, r.Version)}
	}
	return nil
}

// ScanOlderThan reads the index oldest first then fetches the records in one pipeline.
func (s *RecordStore) ScanOlderThan(ctx context.Context, t time.Time, limit int) ([]dtx.CleanupRecord, error) {
	c, err := s.client()
	if err != nil {
		return nil, err
	}
	by := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(t.UnixNano(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := c.ZRangeByScore(ctx, s.indexKey(), by).Result()
	if err != nil {
		return nil, storageError(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.SliceCmd, len(ids))
	pipe := c.Pipeline()
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.conn.key("rec", id), "v", "d")
	}
	if _, err := pipe.Exec(ctx); err != nil && !keyNotFound(err) {
		return nil, storageError(err)
	}
	r := make([]dtx.CleanupRecord, 0, len(ids))
	for i, cmd := range cmds {
		rec, found, err := decodeRecord(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", ids[i], err)
		}
		// Deleted between the index read and the fetch.
		if found {
			r = append(r, rec)
		}
	}
	return r, nil
}
