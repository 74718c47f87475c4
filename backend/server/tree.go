package server

import (
	"context"
	"log/slog"
	"time"

	"Node-sync/backend/logging"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig tunes the restart policy of the supervisors.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervisor tree of a server process. Its layers stop in
// order: the API first so that no session outlives the peer, then the
// peer with its fabric and store, then the embedded broker.
type Tree struct {
	root      *suture.Supervisor
	api       *suture.Supervisor
	data      *suture.Supervisor
	messaging *suture.Supervisor
	layers    []suture.ServiceToken
	config    TreeConfig
	log       zerolog.Logger
}

// NewTree creates the tree. Supervisor events are logged through logger.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	handler := &sutureslog.Handler{Logger: logger}

	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:      suture.New("docsync", rootSpec),
		api:       suture.New("api-layer", childSpec),
		data:      suture.New("data-layer", childSpec),
		messaging: suture.New("messaging-layer", childSpec),
		config:    config,
		log:       logging.New("supervisor"),
	}

	t.layers = []suture.ServiceToken{
		t.root.Add(t.api),
		t.root.Add(t.data),
		t.root.Add(t.messaging),
	}
	return t
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

func (t *Tree) AddDataService(svc suture.Service) suture.ServiceToken {
	return t.data.Add(svc)
}

func (t *Tree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// Serve runs the tree until ctx is done, then stops the layers one after
// the other.
func (t *Tree) Serve(ctx context.Context) error {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := t.root.ServeBackground(rootCtx)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	for _, token := range t.layers {
		err := t.root.RemoveAndWait(token, 2*t.config.ShutdownTimeout)
		if err != nil {
			t.log.Warn().Err(err).Msg("layer did not stop in time")
		}
	}

	cancel()
	<-errc
	return nil
}

// SlogLogger returns the slog logger the supervisor events are written to.
func SlogLogger() *slog.Logger {
	return slog.New(logging.NewSlogHandler(logging.New("supervisor")))
}
