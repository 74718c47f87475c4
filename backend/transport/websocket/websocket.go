package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"Node-sync/backend/codec"
	"Node-sync/backend/transport"

	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"
)

// Options tunes websocket connections.
type Options struct {
	// PingPeriod is the interval of keepalive pings. The peer must answer
	// within PongWait.
	PingPeriod time.Duration
	PongWait   time.Duration
	// WriteWait bounds control frame writes and sends without a timeout.
	WriteWait time.Duration
	ReadLimit int64
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		PingPeriod: 30 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		ReadLimit:  codec.MaxFrameSize,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PingPeriod == 0 {
		o.PingPeriod = def.PingPeriod
	}
	if o.PongWait == 0 {
		o.PongWait = def.PongWait
	}
	if o.WriteWait == 0 {
		o.WriteWait = def.WriteWait
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = def.ReadLimit
	}
	return o
}

// Upgrader upgrades HTTP requests to websocket connections.
type Upgrader struct {
	upgrader websocket.Upgrader
	opts     Options
}

// NewUpgrader returns an upgrader. checkOrigin may be nil to accept any
// origin.
func NewUpgrader(opts Options, checkOrigin func(r *http.Request) bool) *Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		opts: opts.withDefaults(),
	}
}

// Upgrade upgrades the request. On failure the upgrader already replied
// with an HTTP error.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to upgrade: %w", err)
	}
	return newConn(ws, u.opts), nil
}

// Dial opens a client connection.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, xerrors.Errorf("failed to dial %s: %w", url, err)
	}
	return newConn(ws, opts.withDefaults()), nil
}

// Conn carries one binary frame per websocket message. A receive timeout
// leaves the connection unusable.
//
// - implements transport.Conn
type Conn struct {
	ws   *websocket.Conn
	opts Options

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	c := &Conn{
		ws:   ws,
		opts: opts,
		done: make(chan struct{}),
	}

	ws.SetReadLimit(opts.ReadLimit)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go c.keepalive()

	return c
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send implements transport.Conn
func (c *Conn) Send(frame []byte, timeout time.Duration) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	if timeout == 0 {
		timeout = c.opts.WriteWait
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.ws.SetWriteDeadline(time.Now().Add(timeout))
	if err != nil {
		return convertError(err, timeout)
	}

	err = c.ws.WriteMessage(websocket.BinaryMessage, frame)
	if err != nil {
		return convertError(err, timeout)
	}
	return nil
}

// Recv implements transport.Conn
func (c *Conn) Recv(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(c.opts.PongWait)
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	err := c.ws.SetReadDeadline(deadline)
	if err != nil {
		return nil, convertError(err, timeout)
	}

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, convertError(err, timeout)
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close implements transport.Conn
func (c *Conn) Close() error {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		close(c.done)
	})
	if !closed {
		return transport.ErrClosed
	}

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait))
	c.writeMu.Unlock()

	return c.ws.Close()
}

// RemoteAddr implements transport.Conn
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func convertError(err error, timeout time.Duration) error {
	var netErr net.Error
	if xerrors.As(err, &netErr) && netErr.Timeout() {
		return transport.TimeoutError(timeout)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		xerrors.Is(err, net.ErrClosed) || xerrors.Is(err, websocket.ErrCloseSent) {
		return transport.ErrClosed
	}
	return err
}
