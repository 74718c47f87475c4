package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"Node-sync/backend/logging"
	"Node-sync/backend/peer"
	"Node-sync/backend/transport/nats"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"golang.org/x/xerrors"
)

// HTTPService runs the HTTP listener under the supervisor.
//
// - implements suture.Service
type HTTPService struct {
	addr            string
	server          *Server
	shutdownTimeout time.Duration
	log             zerolog.Logger

	mu       sync.Mutex
	listener net.Addr
}

// NewHTTPService creates a service listening on addr.
func NewHTTPService(addr string, server *Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{
		addr:            addr,
		server:          server,
		shutdownTimeout: shutdownTimeout,
		log:             logging.New("http"),
	}
}

// Addr returns the address the service listens on, nil before it started
// listening.
func (h *HTTPService) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listener
}

// Serve implements suture.Service
func (h *HTTPService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return xerrors.Errorf("failed to listen on %s: %w", h.addr, err)
	}

	h.mu.Lock()
	h.listener = ln.Addr()
	h.mu.Unlock()

	srv := &http.Server{
		Handler:           h.server,
		ReadHeaderTimeout: 10 * time.Second,
		// canceling ctx ends the hijacked websocket connections
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	h.log.Info().Msgf("listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if err != nil {
			return xerrors.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			h.log.Warn().Err(err).Msg("http shutdown incomplete")
		}

		err = h.server.Drain(shutdownCtx)
		if err != nil {
			h.log.Warn().Err(err).Msg("websocket connections not drained")
		}

		<-errCh
		h.log.Info().Msg("http server stopped")
		return ctx.Err()
	}
}

// String implements fmt.Stringer
func (h *HTTPService) String() string {
	return "http-server"
}

// PeerService runs a peer under the supervisor. The closers are closed in
// order once the peer stopped, typically its fabric and its store.
//
// - implements suture.Service
type PeerService struct {
	peer    peer.Service
	closers []io.Closer
	log     zerolog.Logger
}

// NewPeerService creates the service of a peer that was not started.
func NewPeerService(p peer.Service, closers ...io.Closer) *PeerService {
	return &PeerService{
		peer:    p,
		closers: closers,
		log:     logging.New("peer"),
	}
}

// Serve implements suture.Service
func (s *PeerService) Serve(ctx context.Context) error {
	err := s.peer.Start()
	if err != nil {
		return xerrors.Errorf("failed to start peer: %v: %w", err, suture.ErrDoNotRestart)
	}

	<-ctx.Done()

	err = s.peer.Stop()
	if err != nil {
		s.log.Error().Err(err).Msg("documents not flushed on stop")
	}

	for _, c := range s.closers {
		err := c.Close()
		if err != nil {
			s.log.Warn().Err(err).Msgf("failed to close %T", c)
		}
	}

	return ctx.Err()
}

// String implements fmt.Stringer
func (s *PeerService) String() string {
	return "peer"
}

// NATSService shuts an embedded NATS server down with the supervisor. The
// server is started beforehand so that the fabric can connect to it.
//
// - implements suture.Service
type NATSService struct {
	server *nats.EmbeddedServer
}

func NewNATSService(server *nats.EmbeddedServer) *NATSService {
	return &NATSService{server: server}
}

// Serve implements suture.Service
func (s *NATSService) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.server.Shutdown()
	return ctx.Err()
}

// String implements fmt.Stringer
func (s *NATSService) String() string {
	return "nats-server"
}
