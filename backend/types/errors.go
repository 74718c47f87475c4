package types

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrMalformedPayload is returned when bytes cannot be decoded.
	ErrMalformedPayload = xerrors.New("malformed payload")
	// ErrUnknownReplicaGap is returned when an operation skips ahead of the
	// known sequence of its replica.
	ErrUnknownReplicaGap = xerrors.New("unknown replica gap")
	// ErrDocumentUnavailable is returned when a document cannot be loaded.
	ErrDocumentUnavailable = xerrors.New("document unavailable")
	// ErrCorruptSnapshot is returned when a snapshot is inconsistent with the
	// update log it claims to precede.
	ErrCorruptSnapshot = xerrors.New("corrupt snapshot")
	// ErrBackpressureExceeded closes a session whose outbound queue is full.
	ErrBackpressureExceeded = xerrors.New("backpressure exceeded")
	// ErrUnauthorized is returned when the authorization verdict is negative.
	ErrUnauthorized = xerrors.New("unauthorized")
	// ErrSyncTimeout closes a connection stuck in the sync handshake.
	ErrSyncTimeout = xerrors.New("sync timeout")
	// ErrInvalidOperation is returned when a local operation references
	// unknown targets.
	ErrInvalidOperation = xerrors.New("invalid operation")
	// ErrSessionClosed is returned when using a detached session.
	ErrSessionClosed = xerrors.New("session closed")
)

// GapError describes a rejected operation and the sequence number that was
// expected instead.
type GapError struct {
	Op       OpID
	Expected uint64
}

// Error implements error.
func (e *GapError) Error() string {
	return fmt.Sprintf("%v: got %s, expected seq %d", ErrUnknownReplicaGap, e.Op, e.Expected)
}

// Is makes errors.Is(err, ErrUnknownReplicaGap) hold.
func (e *GapError) Is(target error) bool {
	return target == ErrUnknownReplicaGap
}
