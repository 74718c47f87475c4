package protocol

import (
	"context"
	"time"

	"Node-sync/backend/codec"
	"Node-sync/backend/logging"
	"Node-sync/backend/metrics"
	"Node-sync/backend/peer"
	"Node-sync/backend/transport"
	"Node-sync/backend/types"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

// State is the phase of a client connection.
type State uint8

const (
	Connecting State = iota
	Authenticating
	Syncing
	Live
	Closed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes the connection handler.
type Options struct {
	// SyncTimeout bounds the time spent in the Syncing state.
	SyncTimeout time.Duration
	// WriteTimeout bounds the sending of one frame.
	WriteTimeout time.Duration
	// FrameRate limits inbound frames per second. Zero disables the limit.
	FrameRate float64
	FrameBurst int
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		SyncTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		FrameRate:    200,
		FrameBurst:   400,
	}
}

// Handler runs the connection protocol of clients on a peer.
type Handler struct {
	sessions   peer.SessionManager
	authorizer peer.Authorizer
	opts       Options
	log        zerolog.Logger
}

// NewHandler creates a handler attaching sessions to the given manager. A
// nil authorizer grants write access to everyone.
func NewHandler(sessions peer.SessionManager, authorizer peer.Authorizer, opts Options) *Handler {
	def := DefaultOptions()
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = def.SyncTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.FrameRate > 0 && opts.FrameBurst <= 0 {
		opts.FrameBurst = max(int(opts.FrameRate), 1)
	}

	return &Handler{
		sessions:   sessions,
		authorizer: authorizer,
		opts:       opts,
		log:        logging.New("protocol"),
	}
}

// Serve runs the protocol on an established connection of an authenticated
// user until the connection ends. The connection is closed on return. The
// returned error tells why the connection ended, nil when the client
// closed it.
func (h *Handler) Serve(ctx context.Context, conn transport.Conn, docID, userID string) error {
	c := &connection{
		h:       h,
		conn:    conn,
		docID:   docID,
		userID:  userID,
		state:   Connecting,
		inbound: make(chan types.Message),
		readErr: make(chan error, 1),
		quit:    make(chan struct{}),
		log: h.log.With().Str("document", docID).Str("user", userID).
			Str("remote", conn.RemoteAddr()).Logger(),
	}

	if h.opts.FrameRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(h.opts.FrameRate), h.opts.FrameBurst)
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return c.serve(ctx)
}

// connection is the state of one served client.
type connection struct {
	h       *Handler
	conn    transport.Conn
	docID   string
	userID  string
	session peer.Session
	state   State
	limiter *rate.Limiter
	log     zerolog.Logger

	inbound chan types.Message
	readErr chan error
	quit    chan struct{}

	writerStop chan struct{}
	writerDone chan struct{}
	writeErr   chan error

	// handshake progress
	gotVector bool
	gotDiff   bool
}

func (c *connection) setState(state State) {
	c.log.Debug().Msgf("%s -> %s", c.state, state)
	c.state = state
}

func (c *connection) serve(ctx context.Context) error {
	c.setState(Authenticating)

	mode, err := c.authorize(ctx)
	if err != nil {
		return c.teardown(err)
	}

	session, err := c.h.sessions.Attach(ctx, c.docID, peer.SessionInfo{
		UserID: c.userID,
		Mode:   mode,
		Remote: c.conn.RemoteAddr(),
	})
	if err != nil {
		return c.teardown(xerrors.Errorf("failed to attach: %w", err))
	}
	c.session = session
	c.log = c.log.With().Str("session", session.ID()).Logger()

	c.setState(Syncing)
	go c.reader(ctx)
	c.startWriter()

	syncTimer := time.NewTimer(c.h.opts.SyncTimeout)
	defer syncTimer.Stop()

	for {
		select {
		case msg := <-c.inbound:
			err := c.handle(ctx, msg)
			if err != nil {
				return c.teardown(err)
			}
			if c.state == Closed {
				return c.teardown(nil)
			}
			if c.state == Live {
				syncTimer.Stop()
			}

		case err := <-c.readErr:
			return c.teardown(err)

		case err := <-c.writeErr:
			return c.teardown(err)

		case <-syncTimer.C:
			if c.state == Syncing {
				return c.teardown(xerrors.Errorf("no handshake after %s: %w", c.h.opts.SyncTimeout, types.ErrSyncTimeout))
			}

		case <-session.Done():
			return c.teardown(session.Err())

		case <-ctx.Done():
			return c.teardown(ctx.Err())
		}
	}
}

// authorize returns the access mode of the user on the document.
func (c *connection) authorize(ctx context.Context) (peer.AccessMode, error) {
	if c.h.authorizer == nil {
		return peer.WriteAccess, nil
	}

	for _, mode := range []peer.AccessMode{peer.WriteAccess, peer.ReadAccess} {
		ok, err := c.h.authorizer.CanAccess(ctx, c.userID, c.docID, mode)
		if err != nil {
			return peer.ReadAccess, xerrors.Errorf("authorization failed: %v: %w", err, types.ErrUnauthorized)
		}
		if ok {
			return mode, nil
		}
	}

	return peer.ReadAccess, xerrors.Errorf("%s may not read %s: %w", c.userID, c.docID, types.ErrUnauthorized)
}

// reader decodes inbound frames until the connection fails.
func (c *connection) reader(ctx context.Context) {
	for {
		frame, err := c.conn.Recv(0)
		if err != nil {
			c.readErr <- err
			return
		}

		msg, err := codec.DecodeMessage(frame)
		if err != nil {
			c.readErr <- err
			return
		}

		err = c.limiter.Wait(ctx)
		if err != nil {
			c.readErr <- err
			return
		}

		select {
		case c.inbound <- msg:
		case <-c.quit:
			return
		}
	}
}

// startWriter sends the session's queued messages and coalesced presence.
func (c *connection) startWriter() {
	c.writerStop = make(chan struct{})
	c.writerDone = make(chan struct{})
	c.writeErr = make(chan error, 1)

	go func() {
		defer close(c.writerDone)

		for {
			select {
			case <-c.writerStop:
				return
			case msg := <-c.session.Outbound():
				err := c.send(msg)
				if err != nil {
					c.writeErr <- err
					return
				}
			case <-c.session.PresenceReady():
				for _, msg := range c.session.TakePresence() {
					err := c.send(msg)
					if err != nil {
						c.writeErr <- err
						return
					}
				}
			}
		}
	}()
}

func (c *connection) send(msg types.Message) error {
	frame, err := codec.EncodeFrame(msg)
	if err != nil {
		return xerrors.Errorf("failed to encode %s: %w", msg.Name(), err)
	}

	err = c.conn.Send(frame, c.h.opts.WriteTimeout)
	if err != nil {
		return xerrors.Errorf("failed to send %s: %w", msg.Name(), err)
	}
	return nil
}

// handle processes one inbound message.
func (c *connection) handle(ctx context.Context, msg types.Message) error {
	switch m := msg.(type) {
	case types.SyncStep1Message:
		c.gotVector = true
		err := c.session.Sync(ctx, m.Vector)
		if err != nil {
			return err
		}

	case types.SyncStep2Message:
		if c.state == Syncing && !c.gotVector {
			c.log.Debug().Msg("sync step 2 before step 1")
		}
		// the diff counts whatever the order; Live waits for the vector too
		c.gotDiff = true
		c.apply(ctx, m.Operations)

	case types.UpdateMessage:
		c.apply(ctx, m.Operations)

	case types.PresenceMessage:
		c.session.SetPresence(m.Payload)

	case types.CloseMessage:
		c.log.Info().Msgf("closed by client: %s", m.Reason)
		c.setState(Closed)
		return nil

	default:
		c.log.Debug().Msgf("ignoring %s", msg)
		return nil
	}

	if c.state == Syncing && c.gotVector && c.gotDiff {
		c.setState(Live)
	}
	return nil
}

// apply merges operations sent by the client. Rejected operations do not
// end the connection.
func (c *connection) apply(ctx context.Context, ops []types.Operation) {
	if len(ops) == 0 {
		return
	}
	if c.session.Info().Mode != peer.WriteAccess {
		c.log.Warn().Msgf("ignoring %d operations from a read-only session", len(ops))
		return
	}

	err := c.session.Apply(ctx, ops)
	switch {
	case err == nil:
	case xerrors.Is(err, types.ErrUnknownReplicaGap):
		// the session was sent the server vector so the client resends
		c.log.Debug().Err(err).Msg("client operations out of order")
	case xerrors.Is(err, types.ErrSessionClosed):
	default:
		c.log.Warn().Err(err).Msg("rejected client operations")
	}
}

// teardown ends the connection: the client is told why, the connection is
// closed and the session detached. It returns cause.
func (c *connection) teardown(cause error) error {
	previous := c.state
	c.setState(Closed)
	close(c.quit)

	if c.writerStop != nil {
		close(c.writerStop)
		<-c.writerDone
	}

	reason := closeReason(cause)
	if reason != "" && !xerrors.Is(cause, transport.ErrClosed) {
		err := c.send(types.CloseMessage{Reason: reason})
		if err != nil {
			c.log.Debug().Err(err).Msg("failed to send close")
		}
	}

	_ = c.conn.Close()

	if c.session != nil {
		c.h.sessions.Detach(c.session)
	}

	label := reason
	if label == "" {
		label = "client closed"
	}
	metrics.ConnectionsClosed.WithLabelValues(label).Inc()

	switch {
	case cause == nil, xerrors.Is(cause, transport.ErrClosed):
		c.log.Info().Msgf("connection closed in %s", previous)
		return nil
	default:
		c.log.Info().Err(cause).Msgf("connection closed in %s", previous)
		return cause
	}
}

// closeReason is the reason sent to the client in the Close message.
func closeReason(err error) string {
	switch {
	case err == nil:
		return ""
	case xerrors.Is(err, types.ErrUnauthorized):
		return types.ErrUnauthorized.Error()
	case xerrors.Is(err, types.ErrMalformedPayload):
		return types.ErrMalformedPayload.Error()
	case xerrors.Is(err, types.ErrBackpressureExceeded):
		return types.ErrBackpressureExceeded.Error()
	case xerrors.Is(err, types.ErrSyncTimeout):
		return types.ErrSyncTimeout.Error()
	case xerrors.Is(err, types.ErrDocumentUnavailable):
		return types.ErrDocumentUnavailable.Error()
	case xerrors.Is(err, types.ErrSessionClosed):
		return types.ErrSessionClosed.Error()
	case xerrors.Is(err, context.Canceled):
		return "server shutting down"
	case xerrors.Is(err, transport.ErrClosed):
		return "connection lost"
	default:
		return "internal error"
	}
}
