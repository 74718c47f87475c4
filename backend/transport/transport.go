package transport

import (
	"context"
	"fmt"
	"time"

	"Node-sync/backend/types"

	"golang.org/x/xerrors"
)

// ErrClosed is returned when using a closed connection or fabric.
var ErrClosed = xerrors.New("closed")

// Conn is a message-oriented client connection. Every message is one
// encoded frame.
type Conn interface {
	// Send sends a frame. A zero timeout waits as long as needed.
	Send(frame []byte, timeout time.Duration) error

	// Recv blocks until a frame is received or the timeout expires, in which
	// case it returns a TimeoutError. A zero timeout waits forever.
	Recv(timeout time.Duration) ([]byte, error)

	// Close closes the connection. It returns an error if already closed.
	Close() error

	// RemoteAddr describes the other end.
	RemoteAddr() string
}

// Handler consumes envelopes published by other processes.
type Handler func(types.Envelope)

// Subscription is a registered fabric handler.
type Subscription interface {
	Unsubscribe() error
}

// Fabric is the cross-process publish/subscribe relay. Delivery is
// at-least-once and unordered across processes.
type Fabric interface {
	// Origin is the tag of the local process.
	Origin() string

	// Publish sends the envelope on the document's channel, tagged with the
	// local origin.
	Publish(ctx context.Context, docID string, e types.Envelope) error

	// Subscribe registers a handler invoked for every envelope published on
	// the document's channel by another process.
	Subscribe(ctx context.Context, docID string, handler Handler) (Subscription, error)

	// OnReconnect registers a callback run when the fabric recovered from a
	// disconnect. Envelopes published meanwhile are lost.
	OnReconnect(func())

	Close() error
}

// TimeoutError is returned when a receive times out.
type TimeoutError time.Duration

// Error implements error.
func (err TimeoutError) Error() string {
	return fmt.Sprintf("timeout reached after %s", time.Duration(err))
}

// Is implements error. Any TimeoutError matches.
func (TimeoutError) Is(err error) bool {
	_, ok := err.(TimeoutError)
	return ok
}
