package peer

import (
	"context"

	"Node-sync/backend/types"
)

// CRDT defines the document operations a peer exposes outside of sessions.
// Documents that are not resident are loaded for the call and evicted after
// the grace period.
type CRDT interface {
	// ReplicaID returns the replica issuing the peer's own operations.
	ReplicaID() types.ReplicaID

	// Edit applies operation bodies as new local operations and broadcasts
	// them.
	Edit(ctx context.Context, docID string, bodies ...types.OpBody) ([]types.Operation, error)

	// Materialize returns the visible tree of the document.
	Materialize(ctx context.Context, docID string) (types.Tree, error)

	// StateVector returns the state vector of the document.
	StateVector(ctx context.Context, docID string) (types.StateVector, error)

	// Compact writes a snapshot of the document and truncates its log.
	Compact(ctx context.Context, docID string) error

	// PermissionsChanged re-checks the sessions of a user on a document
	// against the authorizer.
	PermissionsChanged(ctx context.Context, docID, userID string) error

	// Degraded reports whether storage writes are currently failing.
	Degraded() bool
}
