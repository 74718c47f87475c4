package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"Node-sync/backend/auth"
	"Node-sync/backend/logging"
	"Node-sync/backend/peer"
	"Node-sync/backend/protocol"
	"Node-sync/backend/transport/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

// MaxDocumentIDLength bounds the document id of the websocket route.
const MaxDocumentIDLength = 256

// ErrDraining is returned by Drain when connections are still open after
// the context ended.
var ErrDraining = xerrors.New("connections still open")

// Options tunes the HTTP surface.
type Options struct {
	// RateLimit is the number of websocket upgrades accepted per client IP
	// and RateWindow. Zero disables the limit.
	RateLimit  int
	RateWindow time.Duration
	// AllowedOrigins restricts the Origin header of upgrades. Empty allows
	// any origin.
	AllowedOrigins []string
	Websocket      websocket.Options
}

// Server serves the websocket endpoint of documents, the metrics and the
// health check.
//
// - implements http.Handler
type Server struct {
	peer          peer.Peer
	protocol      *protocol.Handler
	authenticator auth.Authenticator
	upgrader      *websocket.Upgrader
	router        http.Handler
	log           zerolog.Logger

	mu       sync.Mutex
	draining bool
	active   sync.WaitGroup
}

// New creates the HTTP server of a peer. Connections are served by the
// given protocol handler once the authenticator identified their user.
func New(p peer.Peer, handler *protocol.Handler, authenticator auth.Authenticator, opts Options) *Server {
	if authenticator == nil {
		authenticator = auth.Anonymous{}
	}

	s := &Server{
		peer:          p,
		protocol:      handler,
		authenticator: authenticator,
		upgrader:      websocket.NewUpgrader(opts.Websocket, checkOrigin(opts.AllowedOrigins)),
		log:           logging.New("http"),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if opts.RateLimit > 0 {
			window := opts.RateWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.LimitByIP(opts.RateLimit, window))
		}
		r.Get("/ws/{documentID}", s.serveDocument)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Drain refuses new connections and waits until the open ones ended. The
// connections end when the context of their request is canceled.
func (s *Server) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrDraining
	}
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		return false
	}
	s.active.Add(1)
	return true
}

func (s *Server) serveDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentID")
	if docID == "" || len(docID) > MaxDocumentIDLength {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}

	userID, err := s.authenticator.Authenticate(r)
	if err != nil {
		s.log.Info().Err(err).Str("document", docID).Msgf("rejected connection from %s", r.RemoteAddr)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.active.Done()

	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.log.Warn().Err(err).Str("document", docID).Msg("upgrade failed")
		return
	}

	err = s.protocol.Serve(r.Context(), conn, docID, userID)
	if err != nil {
		s.log.Debug().Err(err).Str("document", docID).Str("user", userID).Msg("connection ended")
	}
}

type healthStatus struct {
	Status  string `json:"status"`
	Replica string `json:"replica"`
}

// health reports whether storage writes succeed. A degraded peer keeps
// serving from memory so the status code stays 200.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := healthStatus{Status: "ok", Replica: string(s.peer.ReplicaID())}
	if s.peer.Degraded() {
		status.Status = "degraded"
	}

	buf, err := json.Marshal(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
