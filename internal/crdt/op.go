package crdt

// Stamp identifies a single operation and doubles as the last-write-wins
// ordering key for register writes. Clocks are Lamport clocks: a document
// maxes its own clock with every stamp it observes, so a write issued after
// seeing a value always carries a higher clock than the value it replaces.
// Ties between genuinely concurrent writes are broken on the replica
// identifier, which every replica resolves identically.
type Stamp struct {
	Replica uint64
	Clock   uint64
}

// After reports whether s wins a last-write-wins race against other.
// The zero Stamp loses against every real stamp.
func (s Stamp) After(other Stamp) bool {
	if s.Clock != other.Clock {
		return s.Clock > other.Clock
	}
	return s.Replica > other.Replica
}

// IsZero reports whether the stamp is unset.
func (s Stamp) IsZero() bool {
	return s.Replica == 0 && s.Clock == 0
}

// opKind enumerates the replicated operations a document understands.
type opKind uint8

const (
	opInsert opKind = iota + 1
	opDelete
	opSetAttr
	opSetCell
)

// op is the unit of replication. Every mutation of the shared tree is one of
// four ops; an update frame is an ordered batch of them.
type op struct {
	kind  opKind
	stamp Stamp

	// list and elem address the target tree node.
	list string
	elem string

	// pos is set for opInsert only.
	pos Position

	// key and value are set for opSetAttr and opSetCell. value holds the
	// JSON encoding of the written value; JSON null is an explicit clear.
	key   string
	value []byte
}

// StateVector summarizes which operations a replica has observed as the
// highest clock seen per replica. Replicas exchange state vectors to compute
// the minimal set of missing updates during resync.
type StateVector map[uint64]uint64

// Covers reports whether the vector already accounts for the given stamp.
func (v StateVector) Covers(s Stamp) bool {
	return v[s.Replica] >= s.Clock
}

// observe folds a stamp into the vector.
func (v StateVector) observe(s Stamp) {
	if v[s.Replica] < s.Clock {
		v[s.Replica] = s.Clock
	}
}

// Clone returns an independent copy of the vector.
func (v StateVector) Clone() StateVector {
	cloned := make(StateVector, len(v))
	for replica, clock := range v {
		cloned[replica] = clock
	}
	return cloned
}
