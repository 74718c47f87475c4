package types

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// StateVector maps each replica to the highest contiguous sequence number
// known for it.
type StateVector map[ReplicaID]uint64

// Get returns the highest known sequence number of the replica, 0 if none.
func (v StateVector) Get(replica ReplicaID) uint64 {
	return v[replica]
}

// Covers reports whether the operation id is reflected by the vector.
func (v StateVector) Covers(id OpID) bool {
	return id.Seq <= v[id.Replica]
}

// Replicas returns the replicas of the vector in ascending order.
func (v StateVector) Replicas() []ReplicaID {
	keys := make([]ReplicaID, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clone returns a copy of the vector.
func (v StateVector) Clone() StateVector {
	c := make(StateVector, len(v))
	for k, seq := range v {
		c[k] = seq
	}
	return c
}

// Merge raises every entry of v to at least the entry of other.
func (v StateVector) Merge(other StateVector) {
	for k, seq := range other {
		if seq > v[k] {
			v[k] = seq
		}
	}
}

// Equal reports whether both vectors know the same operations. Zero entries
// are equivalent to missing ones.
func (v StateVector) Equal(other StateVector) bool {
	return v.Dominates(other) && other.Dominates(v)
}

// Dominates reports whether v knows every operation other knows.
func (v StateVector) Dominates(other StateVector) bool {
	for k, seq := range other {
		if v[k] < seq {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (v StateVector) String() string {
	parts := make([]string, 0, len(v))
	for _, k := range v.Replicas() {
		parts = append(parts, fmt.Sprintf("%s:%d", k, v[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
