package dtx

import "fmt"

// CAS is the compare-and-swap token of a document. Every mutation assigns a new one.
type CAS uint64

// OpKind is the kind of a staged write.
type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpReplace
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// IsValid reports whether k is insert, replace or remove.
func (k OpKind) IsValid() bool {
	return k >= OpInsert && k <= OpRemove
}

// ParseOpKind parses the String form of an OpKind.
func ParseOpKind(s string) (OpKind, error) {
	switch s {
	case "insert":
		return OpInsert, nil
	case "replace":
		return OpReplace, nil
	case "remove":
		return OpRemove, nil
	}
	return 0, fmt.Errorf("unknown operation kind %q", s)
}

func (k OpKind) MarshalText() ([]byte, error) {
	if !k.IsValid() {
		return nil, fmt.Errorf("invalid operation kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *OpKind) UnmarshalText(b []byte) error {
	v, err := ParseOpKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// StagedMarker is the provisional write a transaction leaves on a document.
// Other transactions see it only as a changed CAS.
type StagedMarker struct {
	TxnID UUID   `json:"txn_id"`
	Kind  OpKind `json:"kind"`
	// Value the document takes when the owner commits. Empty for removes.
	Value []byte `json:"value,omitempty"`
}

// Document as stored by a DocumentStore.
type Document struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	CAS   CAS    `json:"cas"`
	// Tombstone documents have no committed value; they exist to carry a staged insert.
	Tombstone bool          `json:"tombstone,omitempty"`
	Staged    *StagedMarker `json:"staged,omitempty"`
}

// StagedBy reports whether tid owns the document's staged marker.
func (d Document) StagedBy(tid UUID) bool {
	return d.Staged != nil && d.Staged.TxnID == tid
}

// Committed returns the document as a non-transactional reader sees it.
func (d Document) Committed() (Document, bool) {
	if d.Tombstone {
		return Document{}, false
	}
	c := d
	c.Staged = nil
	return c, true
}

// Mutation identifies one applied write, used to observe its durability.
type Mutation struct {
	Key string `json:"key"`
	CAS CAS    `json:"cas"`
}

// ReplicaState is one observation of a mutation across the cluster.
type ReplicaState struct {
	// Nodes holding the mutation in memory, active node included.
	Replicated int `json:"replicated"`
	// Whether the active node persisted the mutation.
	PersistedActive bool `json:"persisted_active"`
	// Nodes that persisted the mutation, active node included.
	Persisted int `json:"persisted"`
}
