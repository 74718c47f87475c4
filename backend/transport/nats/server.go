package nats

import (
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"golang.org/x/xerrors"
)

// ServerConfig configures an embedded NATS server.
type ServerConfig struct {
	Host string
	// Port -1 picks a random free port.
	Port int
}

// EmbeddedServer is an in-process NATS server for single-host deployments
// and tests.
type EmbeddedServer struct {
	server *server.Server
}

// NewEmbeddedServer starts an embedded server and waits until it accepts
// connections.
func NewEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "docsync",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  false,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 8 * 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, xerrors.Errorf("failed to create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, xerrors.New("nats server not ready")
	}

	return &EmbeddedServer{server: ns}, nil
}

// ClientURL returns the url clients connect to.
func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
