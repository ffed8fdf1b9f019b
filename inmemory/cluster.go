package inmemory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sharedcode/dtx"
)

// ClusterOptions shapes the simulated cluster.
type ClusterOptions struct {
	// Nodes, active included. Defaults to 3.
	Nodes int
	// Time a mutation takes to reach the replicas' memory.
	ReplicationLag time.Duration
	// Time a mutation takes to be persisted on any node.
	PersistenceLag time.Duration
	// DisablePersistence makes persistence levels impossible, like a cache-only cluster.
	DisablePersistence bool
}

// Cluster is a dtx.DocumentStore simulating a replicated cluster. Node 0 is
// the active node and holds the data; replicas only track how far each
// mutation travelled, derived from its age and the configured lags.
type Cluster struct {
	opts   ClusterOptions
	docs   *xsync.MapOf[string, dtx.Document]
	writes *xsync.MapOf[dtx.CAS, time.Time]
	cas    atomic.Uint64
	// Mutations up to this CAS that are no longer in writes reached every node.
	settled atomic.Uint64
	stamps  atomic.Uint64
	faults faults

	downMux sync.RWMutex
	down    map[int]bool
}

// NewCluster returns an empty Cluster.
func NewCluster(opts ClusterOptions) *Cluster {
	if opts.Nodes <= 0 {
		opts.Nodes = 3
	}
	return &Cluster{
		opts:   opts,
		docs:   xsync.NewMapOf[string, dtx.Document](),
		writes: xsync.NewMapOf[dtx.CAS, time.Time](),
		down:   make(map[int]bool),
	}
}

// SetFault installs fn to fail store calls; nil removes it.
func (c *Cluster) SetFault(fn FaultFunc) {
	c.faults.set(fn)
}

// SetNodeDown marks a node as unreachable; it stops acknowledging mutations.
func (c *Cluster) SetNodeDown(node int, down bool) {
	c.downMux.Lock()
	defer c.downMux.Unlock()
	if down {
		c.down[node] = true
		return
	}
	delete(c.down, node)
}

func (c *Cluster) isDown(node int) bool {
	c.downMux.RLock()
	defer c.downMux.RUnlock()
	return c.down[node]
}

func (c *Cluster) nextCAS() dtx.CAS {
	return dtx.CAS(c.cas.Add(1))
}

// Writes between two prunes of fully propagated mutations.
const pruneEvery = 256

func (c *Cluster) stamp(cas dtx.CAS) {
	now := time.Now()
	c.writes.Store(cas, now)
	if c.stamps.Add(1)%pruneEvery == 0 {
		c.prune(now)
	}
}

// maxLag is the age at which a mutation has reached every node.
func (c *Cluster) maxLag() time.Duration {
	return max(c.opts.ReplicationLag, c.opts.PersistenceLag)
}

// prune forgets mutations older than maxLag.
func (c *Cluster) prune(now time.Time) {
	lag := c.maxLag()
	var top uint64
	c.writes.Range(func(cas dtx.CAS, written time.Time) bool {
		if now.Sub(written) >= lag {
			c.writes.Delete(cas)
			top = max(top, uint64(cas))
		}
		return true
	})
	for {
		cur := c.settled.Load()
		if top <= cur || c.settled.CompareAndSwap(cur, top) {
			return
		}
	}
}

func cloneDoc(d dtx.Document) dtx.Document {
	r := d
	if d.Value != nil {
		r.Value = append([]byte(nil), d.Value...)
	}
	if d.Staged != nil {
		m := *d.Staged
		m.Value = append([]byte(nil), d.Staged.Value...)
		r.Staged = &m
	}
	return r
}

// Upsert writes a committed value without CAS check. Used to seed data.
func (c *Cluster) Upsert(ctx context.Context, key string, value []byte) (dtx.Mutation, error) {
	if err := c.faults.check("Upsert", key); err != nil {
		return dtx.Mutation{}, err
	}
	cas := c.nextCAS()
	c.docs.Store(key, dtx.Document{Key: key, Value: append([]byte(nil), value...), CAS: cas})
	c.stamp(cas)
	return dtx.Mutation{Key: key, CAS: cas}, nil
}

func (c *Cluster) Get(ctx context.Context, key string) (dtx.Document, bool, error) {
	if err := c.faults.check("Get", key); err != nil {
		return dtx.Document{}, false, err
	}
	d, ok := c.docs.Load(key)
	if !ok {
		return dtx.Document{}, false, nil
	}
	return cloneDoc(d), true, nil
}

func (c *Cluster) Insert(ctx context.Context, doc dtx.Document) (dtx.Mutation, error) {
	if err := c.faults.check("Insert", doc.Key); err != nil {
		return dtx.Mutation{}, err
	}
	doc = cloneDoc(doc)
	var err error
	c.docs.Compute(doc.Key, func(old dtx.Document, loaded bool) (dtx.Document, bool) {
		if loaded {
			err = dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("document %q exists", doc.Key)}
			return old, false
		}
		doc.CAS = c.nextCAS()
		return doc, false
	})
	if err != nil {
		return dtx.Mutation{}, err
	}
	c.stamp(doc.CAS)
	return dtx.Mutation{Key: doc.Key, CAS: doc.CAS}, nil
}

func (c *Cluster) Replace(ctx context.Context, doc dtx.Document, cas dtx.CAS) (dtx.Mutation, error) {
	if err := c.faults.check("Replace", doc.Key); err != nil {
		return dtx.Mutation{}, err
	}
	doc = cloneDoc(doc)
	var err error
	c.docs.Compute(doc.Key, func(old dtx.Document, loaded bool) (dtx.Document, bool) {
		if !loaded {
			err = dtx.Error{Code: dtx.DocumentNotFound, UserData: doc.Key}
			return old, true
		}
		if old.CAS != cas {
			err = dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("document %q cas is %d, expected %d", doc.Key, old.CAS, cas)}
			return old, false
		}
		doc.CAS = c.nextCAS()
		return doc, false
	})
	if err != nil {
		return dtx.Mutation{}, err
	}
	c.stamp(doc.CAS)
	return dtx.Mutation{Key: doc.Key, CAS: doc.CAS}, nil
}

func (c *Cluster) Remove(ctx context.Context, key string, cas dtx.CAS) (dtx.Mutation, error) {
	if err := c.faults.check("Remove", key); err != nil {
		return dtx.Mutation{}, err
	}
	var (
		err    error
		newCAS dtx.CAS
	)
	c.docs.Compute(key, func(old dtx.Document, loaded bool) (dtx.Document, bool) {
		if !loaded {
			err = dtx.Error{Code: dtx.DocumentNotFound, UserData: key}
			return old, true
		}
		if old.CAS != cas {
			err = dtx.Error{Code: dtx.CASMismatch, Err: fmt.Errorf("document %q cas is %d, expected %d", key, old.CAS, cas)}
			return old, false
		}
		newCAS = c.nextCAS()
		return old, true
	})
	if err != nil {
		return dtx.Mutation{}, err
	}
	c.stamp(newCAS)
	return dtx.Mutation{Key: key, CAS: newCAS}, nil
}

func (c *Cluster) Nodes(ctx context.Context) (int, error) {
	return c.opts.Nodes, nil
}

func (c *Cluster) SupportsPersistence(ctx context.Context) (bool, error) {
	return !c.opts.DisablePersistence, nil
}

// Observe derives the replication of m from its age.
func (c *Cluster) Observe(ctx context.Context, m dtx.Mutation) (dtx.ReplicaState, error) {
	if err := c.faults.check("Observe", m.Key); err != nil {
		return dtx.ReplicaState{}, err
	}
	var age time.Duration
	if written, ok := c.writes.Load(m.CAS); ok {
		age = time.Since(written)
	} else if m.CAS != 0 && uint64(m.CAS) <= c.settled.Load() {
		age = c.maxLag()
	} else {
		return dtx.ReplicaState{}, dtx.Error{Code: dtx.DurabilityImpossible, Err: fmt.Errorf("unknown mutation %d of %q", m.CAS, m.Key)}
	}
	var st dtx.ReplicaState
	for node := 0; node < c.opts.Nodes; node++ {
		if c.isDown(node) {
			continue
		}
		if node == 0 || age >= c.opts.ReplicationLag {
			st.Replicated++
		} else {
			continue
		}
		if !c.opts.DisablePersistence && age >= c.opts.PersistenceLag {
			st.Persisted++
			if node == 0 {
				st.PersistedActive = true
			}
		}
	}
	return st, nil
}
