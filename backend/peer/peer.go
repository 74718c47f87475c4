package peer

import (
	"context"
	"time"

	"Node-sync/backend/storage"
	"Node-sync/backend/transport"
	"Node-sync/backend/types"
)

// Peer is a synchronization server process.
type Peer interface {
	Service
	SessionManager
	CRDT
}

// Service is a component with a lifecycle.
type Service interface {
	Start() error
	Stop() error
}

// AccessMode is the access a session was granted to its document.
type AccessMode uint8

const (
	ReadAccess AccessMode = iota
	WriteAccess
)

// String implements fmt.Stringer.
func (m AccessMode) String() string {
	if m == WriteAccess {
		return "write"
	}
	return "read"
}

// Authorizer is the authorization collaborator.
type Authorizer interface {
	CanAccess(ctx context.Context, userID, docID string, mode AccessMode) (bool, error)
}

// Configuration is the configuration of a peer.
type Configuration struct {
	// ReplicaID issues the operations the server creates itself. A random id
	// is generated when empty.
	ReplicaID types.ReplicaID

	Store storage.Store
	// Fabric relays operations to other processes. A nil fabric serves a
	// single process.
	Fabric transport.Fabric
	// Authorizer re-checks sessions on permission changes. Nil allows all.
	Authorizer Authorizer

	// OutboundQueueSize bounds the messages pending for one session.
	OutboundQueueSize int
	// EvictionGrace is how long a document stays loaded after its last
	// session detached.
	EvictionGrace time.Duration
	// FlushDebounce coalesces update log writes.
	FlushDebounce time.Duration
	// CompactionInterval is the period of snapshot compaction. Zero disables
	// scheduled compaction.
	CompactionInterval time.Duration
	// StorageBackoff bounds the retries of storage writes.
	StorageBackoff Backoff
	// ResyncInterval is the minimum delay between two fabric resync requests
	// for one document.
	ResyncInterval time.Duration
}

// Backoff describes an exponential backoff: Initial, then Initial*Factor,
// ... for at most Retry retries.
type Backoff struct {
	Initial time.Duration
	Factor  uint
	Retry   uint
}

// DefaultConfiguration returns the configuration used when nothing is set.
func DefaultConfiguration() Configuration {
	return Configuration{
		OutboundQueueSize:  256,
		EvictionGrace:      30 * time.Second,
		FlushDebounce:      200 * time.Millisecond,
		CompactionInterval: 5 * time.Minute,
		StorageBackoff: Backoff{
			Initial: 100 * time.Millisecond,
			Factor:  2,
			Retry:   5,
		},
		ResyncInterval: time.Second,
	}
}
