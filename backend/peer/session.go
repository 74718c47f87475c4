package peer

import (
	"context"

	"Node-sync/backend/types"
)

// SessionInfo describes who a session belongs to.
type SessionInfo struct {
	UserID string
	Mode   AccessMode
	Remote string
}

// SessionManager tracks the sessions attached to documents.
type SessionManager interface {
	// Attach registers a session on the document, loading it if needed. It
	// fails with types.ErrDocumentUnavailable when the document cannot be
	// loaded.
	Attach(ctx context.Context, docID string, info SessionInfo) (Session, error)

	// Detach unregisters the session. Detaching the last session flushes the
	// document and schedules its eviction.
	Detach(s Session)

	// BroadcastLocal delivers a message to every session of the document
	// except exclude, which may be nil. It never blocks: a session whose
	// queue is full is closed with types.ErrBackpressureExceeded.
	BroadcastLocal(docID string, msg types.Message, exclude Session)
}

// Session is one connection attached to a document.
type Session interface {
	ID() string
	DocumentID() string
	Info() SessionInfo

	// Sync queues the operations the vector is missing, followed by the
	// document's own vector.
	Sync(ctx context.Context, vector types.StateVector) error

	// Apply merges operations sent by the client. Operations with a zero
	// sequence number are applied as new local operations of the peer.
	// When an operation skips ahead of its replica, the session is sent the
	// document's vector so that the client resends what is missing, and the
	// returned error wraps types.ErrUnknownReplicaGap.
	Apply(ctx context.Context, ops []types.Operation) error

	// SetPresence publishes the session's presence state.
	SetPresence(payload []byte)

	// Outbound is the bounded queue of messages for the client.
	Outbound() <-chan types.Message

	// PresenceReady is signaled when presence messages are pending.
	PresenceReady() <-chan struct{}

	// TakePresence returns and clears the latest pending presence state of
	// every other session.
	TakePresence() []types.PresenceMessage

	// Acknowledged is the vector of every operation queued to the client.
	Acknowledged() types.StateVector

	// Done is closed when the session ends.
	Done() <-chan struct{}

	// Err returns why the session ended, nil while it is open.
	Err() error
}
