package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/encoding"
)

// DocumentStore keeps each document in a hash: "cas", "val", "tomb" and the
// staged marker "stg". CAS values come from a shared counter.
//
// Mutations go through one pinned connection so WAIT and WAITAOF on that
// connection cover every mutation this store made.
type DocumentStore struct {
	conn *Connection
	mux  sync.Mutex
	// Writes and durability checks.
	pinned *redis.Conn
}

// NewDocumentStore returns a DocumentStore on conn. Close releases its pinned connection.
func NewDocumentStore(conn *Connection) *DocumentStore {
	d := &DocumentStore{conn: conn}
	if conn != nil && conn.Client != nil {
		d.pinned = conn.Client.Conn()
	}
	return d
}

func (d *DocumentStore) Close() error {
	d.mux.Lock()
	defer d.mux.Unlock()
	if d.pinned == nil {
		return nil
	}
	err := d.pinned.Close()
	d.pinned = nil
	return err
}

// KEYS: doc, counter. ARGV: val, tomb, stg.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local cas = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'cas', cas, 'val', ARGV[1], 'tomb', ARGV[2], 'stg', ARGV[3])
return cas`)

// KEYS: doc, counter. ARGV: expected cas, val, tomb, stg.
var replaceScript = redis.NewScript(`
local c = redis.call('HGET', KEYS[1], 'cas')
if not c then
	return -1
end
if c ~= ARGV[1] then
	return 0
end
local cas = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'cas', cas, 'val', ARGV[2], 'tomb', ARGV[3], 'stg', ARGV[4])
return cas`)

// KEYS: doc, counter. ARGV: expected cas.
var removeScript = redis.NewScript(`
local c = redis.call('HGET', KEYS[1], 'cas')
if not c then
	return -1
end
if c ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return redis.call('INCR', KEYS[2])`)

func (d *DocumentStore) docKey(key string) string {
	return d.conn.key("doc", key)
}

func (d *DocumentStore) counterKey() string {
	return d.conn.key("cas")
}

func (d *DocumentStore) Get(ctx context.Context, key string) (dtx.Document, bool, error) {
	if d.conn == nil || d.conn.Client == nil {
		return dtx.Document{}, false, errNotOpen
	}
	vals, err := d.conn.Client.HMGet(ctx, d.docKey(key), "cas", "val", "tomb", "stg").Result()
	if err != nil {
		return dtx.Document{}, false, storageError(err)
	}
	if vals[0] == nil {
		return dtx.Document{}, false, nil
	}
	cas, err := strconv.ParseUint(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return dtx.Document{}, false, fmt.Errorf("document %q cas: %w", key, err)
	}
	doc := dtx.Document{Key: key, CAS: dtx.CAS(cas), Tombstone: fmt.Sprint(vals[2]) == "1"}
	if s, ok := vals[1].(string); ok {
		doc.Value = []byte(s)
	}
	if s, ok := vals[3].(string); ok && s != "" {
		var m dtx.StagedMarker
		if err := encoding.DefaultMarshaler.Unmarshal([]byte(s), &m); err != nil {
			return dtx.Document{}, false, fmt.Errorf("document %q staged marker: %w", key, err)
		}
		doc.Staged = &m
	}
	return doc, true, nil
}

func encodeDoc(doc dtx.Document) (tomb string, stg []byte, err error) {
	tomb = "0"
	if doc.Tombstone {
		tomb = "1"
	}
	if doc.Staged != nil {
		stg, err = encoding.DefaultMarshaler.Marshal(doc.Staged)
	}
	return tomb, stg, err
}

// run evaluates a write script on the pinned connection.
func (d *DocumentStore) run(ctx context.Context, script *redis.Script, keys []string, args ...any) (int64, error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	if d.pinned == nil {
		return 0, errNotOpen
	}
	n, err := script.Run(ctx, d.pinned, keys, args...).Int64()
	return n, storageError(err)
}

func mutationResult(key string, n int64) (dtx.Mutation, error) {
	switch {
	case n == -1:
		return dtx.Mutation{}, dtx.Error{Code: dtx.DocumentNotFound, UserData: key}
	case n == 0:
		return dtx.Mutation{}, dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("document %q changed", key)}
	}
	return dtx.Mutation{Key: key, CAS: dtx.CAS(n)}, nil
}

func (d *DocumentStore) Insert(ctx context.Context, doc dtx.Document) (dtx.Mutation, error) {
	tomb, stg, err := encodeDoc(doc)
	if err != nil {
		return dtx.Mutation{}, err
	}
	n, err := d.run(ctx, insertScript, []string{d.docKey(doc.Key), d.counterKey()}, doc.Value, tomb, stg)
	if err != nil {
		return dtx.Mutation{}, err
	}
	if n == 0 {
		return dtx.Mutation{}, dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("document %q exists", doc.Key)}
	}
	return dtx.Mutation{Key: doc.Key, CAS: dtx.CAS(n)}, nil
}

func (d *DocumentStore) Replace(ctx context.Context, doc dtx.Document, cas dtx.CAS) (dtx.Mutation, error) {
	tomb, stg, err := encodeDoc(doc)
	if err != nil {
		return dtx.Mutation{}, err
	}
	n, err := d.run(ctx, replaceScript, []string{d.docKey(doc.Key), d.counterKey()}, strconv.FormatUint(uint64(cas), 10), doc.Value, tomb, stg)
	if err != nil {
		return dtx.Mutation{}, err
	}
	return mutationResult(doc.Key, n)
}

func (d *DocumentStore) Remove(ctx context.Context, key string, cas dtx.CAS) (dtx.Mutation, error) {
	n, err := d.run(ctx, removeScript, []string{d.docKey(key), d.counterKey()}, strconv.FormatUint(uint64(cas), 10))
	if err != nil {
		return dtx.Mutation{}, err
	}
	return mutationResult(key, n)
}

// Nodes returns the master plus its connected replicas.
func (d *DocumentStore) Nodes(ctx context.Context) (int, error) {
	if d.conn == nil || d.conn.Client == nil {
		return 0, errNotOpen
	}
	info, err := d.conn.Client.Info(ctx, "replication").Result()
	if err != nil {
		return 0, storageError(err)
	}
	replicas, err := parseInfoField(info, "connected_slaves")
	if err != nil {
		return 0, err
	}
	return replicas + 1, nil
}

// SupportsPersistence reports whether the append-only file is enabled.
func (d *DocumentStore) SupportsPersistence(ctx context.Context) (bool, error) {
	if d.conn == nil || d.conn.Client == nil {
		return false, errNotOpen
	}
	info, err := d.conn.Client.Info(ctx, "persistence").Result()
	if err != nil {
		return false, storageError(err)
	}
	enabled, err := parseInfoField(info, "aof_enabled")
	if err != nil {
		return false, err
	}
	return enabled == 1, nil
}

// Observe asks how many replicas acknowledged, and how many fsynced to the
// append-only file, every write of the pinned connection, m included.
// Both commands return at once; the enforcer does the polling.
func (d *DocumentStore) Observe(ctx context.Context, m dtx.Mutation) (dtx.ReplicaState, error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	if d.pinned == nil {
		return dtx.ReplicaState{}, errNotOpen
	}
	replicas, err := d.pinned.Do(ctx, "WAIT", 0, 0).Int()
	if err != nil {
		return dtx.ReplicaState{}, storageError(err)
	}
	st := dtx.ReplicaState{Replicated: replicas + 1}
	aof, err := d.pinned.Do(ctx, "WAITAOF", 0, 0, 0).Int64Slice()
	if err != nil {
		// Servers before 7.2 have no WAITAOF; persistence can't be observed.
		return st, nil
	}
	if len(aof) == 2 {
		st.PersistedActive = aof[0] > 0
		st.Persisted = int(aof[0] + aof[1])
	}
	return st, nil
}
