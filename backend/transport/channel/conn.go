package channel

import (
	"sync"
	"time"

	"Node-sync/backend/transport"
)

// NewConnPair returns the two ends of an in-memory connection. Each
// direction buffers up to size frames; Send blocks beyond that.
func NewConnPair(size int) (*Conn, *Conn) {
	p := &pipe{done: make(chan struct{})}
	ab := make(chan []byte, size)
	ba := make(chan []byte, size)

	a := &Conn{pipe: p, in: ba, out: ab, remote: "channel:b"}
	b := &Conn{pipe: p, in: ab, out: ba, remote: "channel:a"}
	return a, b
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

// Conn is one end of an in-memory connection. Closing either end closes
// both.
//
// - implements transport.Conn
type Conn struct {
	pipe   *pipe
	in     <-chan []byte
	out    chan<- []byte
	remote string
}

// Send implements transport.Conn
func (c *Conn) Send(frame []byte, timeout time.Duration) error {
	select {
	case <-c.pipe.done:
		return transport.ErrClosed
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case c.out <- append([]byte(nil), frame...):
		return nil
	case <-c.pipe.done:
		return transport.ErrClosed
	case <-expired:
		return transport.TimeoutError(timeout)
	}
}

// Recv implements transport.Conn
func (c *Conn) Recv(timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.pipe.done:
		// frames sent before the close are still delivered
		select {
		case frame := <-c.in:
			return frame, nil
		default:
			return nil, transport.ErrClosed
		}
	case <-expired:
		return nil, transport.TimeoutError(timeout)
	}
}

// Close implements transport.Conn
func (c *Conn) Close() error {
	closed := false
	c.pipe.once.Do(func() {
		close(c.pipe.done)
		closed = true
	})
	if !closed {
		return transport.ErrClosed
	}
	return nil
}

// RemoteAddr implements transport.Conn
func (c *Conn) RemoteAddr() string {
	return c.remote
}
