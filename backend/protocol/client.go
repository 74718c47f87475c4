package protocol

import (
	"context"
	"sync"
	"time"

	"Node-sync/backend/codec"
	"Node-sync/backend/crdt"
	"Node-sync/backend/logging"
	"Node-sync/backend/transport"
	"Node-sync/backend/types"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// closeReasons maps the reasons sent by the server back to their errors.
var closeReasons = []error{
	types.ErrUnauthorized,
	types.ErrMalformedPayload,
	types.ErrBackpressureExceeded,
	types.ErrSyncTimeout,
	types.ErrDocumentUnavailable,
	types.ErrSessionClosed,
}

// Client is a reference client of the connection protocol. It edits its own
// replica and keeps it in sync with the server. The replica outlives the
// client: after a disconnect, a new client created on the same replica
// catches up during its handshake and sends what was edited offline.
type Client struct {
	conn        transport.Conn
	sendTimeout time.Duration
	log         zerolog.Logger
	live        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	changed     chan struct{}

	mu       sync.Mutex
	replica  *crdt.Replica
	presence map[string][]byte
	state    State
	err      error
	// handshake progress
	gotDiff  bool
	answered bool
}

// NewClient creates a client on an established connection. The replica
// must not be used by another client at the same time.
func NewClient(conn transport.Conn, replica *crdt.Replica) *Client {
	return &Client{
		conn:        conn,
		sendTimeout: DefaultOptions().WriteTimeout,
		log: logging.New("client").With().Str("replica", string(replica.ID())).
			Str("remote", conn.RemoteAddr()).Logger(),
		live:     make(chan struct{}),
		done:     make(chan struct{}),
		changed:  make(chan struct{}, 1),
		replica:  replica,
		presence: make(map[string][]byte),
		state:    Connecting,
	}
}

// Start begins the handshake and the receive loop.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		return xerrors.Errorf("client already started")
	}
	c.state = Syncing
	vector := c.replica.StateVector()
	c.mu.Unlock()

	go c.receive()

	err := c.send(types.SyncStep1Message{Vector: vector})
	if err != nil {
		c.finish(err)
		return err
	}
	return nil
}

// WaitLive blocks until the handshake completed.
func (c *Client) WaitLive(ctx context.Context) error {
	select {
	case <-c.live:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Changed is signaled after the replica or the presence state changed.
func (c *Client) Changed() <-chan struct{} {
	return c.changed
}

// Edit applies a new operation to the replica and sends it. The operation
// stays in the replica when sending fails and is sent on the next
// handshake.
func (c *Client) Edit(body types.OpBody) (types.Operation, error) {
	c.mu.Lock()
	op, err := c.replica.ApplyLocal(body)
	c.mu.Unlock()
	if err != nil {
		return types.Operation{}, err
	}

	select {
	case <-c.done:
		return op, transport.ErrClosed
	default:
	}

	return op, c.send(types.UpdateMessage{Operations: []types.Operation{op}})
}

// SetPresence sends the client's presence state.
func (c *Client) SetPresence(payload []byte) error {
	return c.send(types.PresenceMessage{Payload: payload})
}

// Presence returns the presence state of the other sessions by origin.
func (c *Client) Presence() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	presence := make(map[string][]byte, len(c.presence))
	for origin, payload := range c.presence {
		presence[origin] = payload
	}
	return presence
}

// Materialize returns the visible tree of the client's replica.
func (c *Client) Materialize() types.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Materialize()
}

// StateVector returns the vector of the client's replica.
func (c *Client) StateVector() types.StateVector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.StateVector()
}

// State returns the phase of the connection.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the connection ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended. It is nil while the connection is
// open and after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tells the server the client leaves and closes the connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	err := c.send(types.CloseMessage{Reason: "client closed"})
	if err != nil {
		c.log.Debug().Err(err).Msg("failed to send close")
	}
	c.finish(nil)
	return nil
}

func (c *Client) send(msg types.Message) error {
	frame, err := codec.EncodeFrame(msg)
	if err != nil {
		return xerrors.Errorf("failed to encode %s: %w", msg.Name(), err)
	}

	err = c.conn.Send(frame, c.sendTimeout)
	if err != nil {
		return xerrors.Errorf("failed to send %s: %w", msg.Name(), err)
	}
	return nil
}

func (c *Client) receive() {
	for {
		frame, err := c.conn.Recv(0)
		if err != nil {
			c.finish(xerrors.Errorf("connection lost: %w", err))
			return
		}

		msg, err := codec.DecodeMessage(frame)
		if err != nil {
			c.finish(err)
			return
		}

		reply, err := c.handle(msg)
		if err != nil {
			c.finish(err)
			return
		}

		if reply != nil {
			err = c.send(reply)
			if err != nil {
				c.finish(err)
				return
			}
		}

		select {
		case c.changed <- struct{}{}:
		default:
		}
	}
}

// handle processes a server message and returns the reply to send, if any.
func (c *Client) handle(msg types.Message) (types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reply types.Message

	switch m := msg.(type) {
	case types.SyncStep2Message:
		reply = c.merge(m.Operations)
		c.gotDiff = true

	case types.SyncStep1Message:
		reply = types.SyncStep2Message{Operations: c.replica.Diff(m.Vector)}
		c.answered = true

	case types.UpdateMessage:
		reply = c.merge(m.Operations)

	case types.PresenceMessage:
		if len(m.Payload) == 0 {
			delete(c.presence, m.Origin)
		} else {
			c.presence[m.Origin] = m.Payload
		}

	case types.CloseMessage:
		return nil, serverClosed(m.Reason)

	default:
		c.log.Debug().Msgf("ignoring %s", msg)
	}

	if c.state == Syncing && c.gotDiff && c.answered {
		c.state = Live
		close(c.live)
	}
	return reply, nil
}

// merge applies server operations. A gap asks the server for what is
// missing.
func (c *Client) merge(ops []types.Operation) types.Message {
	gap := false
	for _, op := range ops {
		err := c.replica.ApplyRemote(op)
		switch {
		case err == nil:
		case xerrors.Is(err, types.ErrUnknownReplicaGap):
			gap = true
		default:
			c.log.Warn().Err(err).Msgf("ignoring %s", op)
		}
	}

	if gap {
		return types.SyncStep1Message{Vector: c.replica.StateVector()}
	}
	return nil
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.state = Closed
		c.mu.Unlock()

		_ = c.conn.Close()
		close(c.done)
	})
}

func serverClosed(reason string) error {
	for _, err := range closeReasons {
		if reason == err.Error() {
			return xerrors.Errorf("closed by server: %w", err)
		}
	}
	return xerrors.Errorf("closed by server: %s", reason)
}
