package server

import (
	"context"
	"io"
	"net"
	"time"

	"Node-sync/backend/auth"
	"Node-sync/backend/config"
	"Node-sync/backend/logging"
	"Node-sync/backend/peer"
	"Node-sync/backend/peer/impl"
	"Node-sync/backend/protocol"
	"Node-sync/backend/storage"
	"Node-sync/backend/storage/badger"
	"Node-sync/backend/storage/memory"
	"Node-sync/backend/storage/postgres"
	"Node-sync/backend/transport"
	"Node-sync/backend/transport/nats"
	"Node-sync/backend/transport/redis"
	"Node-sync/backend/types"

	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

const storeOpenTimeout = 30 * time.Second

// App is a server process assembled from its configuration.
type App struct {
	Peer   peer.Peer
	Server *Server

	tree *Tree
	http *HTTPService
}

// NewApp opens the store and the fabric of the configuration and wires the
// peer, the protocol handler and the HTTP server. Nothing runs until Run.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	replicaID := types.ReplicaID(cfg.Peer.ReplicaID)
	if replicaID == "" {
		replicaID = types.ReplicaID(xid.New().String())
	}

	authenticator, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	authorizer, err := NewAuthorizer(cfg.Auth)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	tree := NewTree(SlogLogger(), TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})

	fabric, embedded, err := OpenFabric(cfg.Fabric, string(replicaID))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if embedded != nil {
		tree.AddMessagingService(NewNATSService(embedded))
	}

	conf := PeerConfiguration(cfg.Peer)
	conf.ReplicaID = replicaID
	conf.Store = store
	conf.Fabric = fabric
	conf.Authorizer = authorizer
	p := impl.NewPeer(conf)

	closers := []io.Closer{}
	if fabric != nil {
		closers = append(closers, fabric)
	}
	closers = append(closers, store)
	tree.AddDataService(NewPeerService(p, closers...))

	handler := protocol.NewHandler(p, authorizer, ProtocolOptions(cfg.Protocol))
	srv := New(p, handler, authenticator, Options{
		RateLimit:      cfg.Server.RateLimit,
		RateWindow:     cfg.Server.RateWindow,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	httpService := NewHTTPService(cfg.Server.Addr, srv, cfg.Server.ShutdownTimeout)
	tree.AddAPIService(httpService)

	log := logging.New("app")
	log.Info().Str("replica", string(replicaID)).
		Str("storage", cfg.Storage.Backend).Str("fabric", cfg.Fabric.Backend).
		Str("auth", cfg.Auth.Mode).Msg("server assembled")

	return &App{
		Peer:   p,
		Server: srv,
		tree:   tree,
		http:   httpService,
	}, nil
}

// Run serves until ctx is done and stops every service.
func (a *App) Run(ctx context.Context) error {
	return a.tree.Serve(ctx)
}

// Addr returns the HTTP listen address, nil before the listener is open.
func (a *App) Addr() net.Addr {
	return a.http.Addr()
}

// OpenStore opens the configured store.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.NewStore(), nil

	case "badger":
		return badger.Open(badger.Config{
			Path:        cfg.BadgerPath,
			InMemory:    cfg.BadgerInMemory,
			SyncWrites:  true,
			Compression: true,
		})

	case "postgres":
		ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
		defer cancel()
		return postgres.Open(ctx, cfg.PostgresDSN)

	default:
		return nil, xerrors.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// OpenFabric connects the configured fabric. A nil fabric serves a single
// process. The embedded server, if any, is already running.
func OpenFabric(cfg config.FabricConfig, origin string) (transport.Fabric, *nats.EmbeddedServer, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil, nil

	case "nats":
		url := cfg.NATSURL
		var embedded *nats.EmbeddedServer
		if cfg.Embedded {
			var err error
			embedded, err = nats.NewEmbeddedServer(nats.ServerConfig{
				Host: cfg.EmbeddedHost,
				Port: cfg.EmbeddedPort,
			})
			if err != nil {
				return nil, nil, err
			}
			url = embedded.ClientURL()
		}

		fabric, err := nats.New(nats.Config{
			URL:           url,
			Origin:        origin,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		})
		if err != nil {
			if embedded != nil {
				embedded.Shutdown()
			}
			return nil, nil, err
		}
		return fabric, embedded, nil

	case "redis":
		fabric, err := redis.New(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Origin:   origin,
		})
		if err != nil {
			return nil, nil, err
		}
		return fabric, nil, nil

	default:
		return nil, nil, xerrors.Errorf("unknown fabric backend %q", cfg.Backend)
	}
}

// NewAuthenticator returns the configured authenticator.
func NewAuthenticator(cfg config.AuthConfig) (auth.Authenticator, error) {
	switch cfg.Mode {
	case "", "none":
		return auth.Anonymous{User: cfg.AnonymousUser}, nil
	case "jwt":
		return auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.Issuer)
	default:
		return nil, xerrors.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// NewAuthorizer returns the casbin authorizer of the policy file, or one
// granting everything without a policy.
func NewAuthorizer(cfg config.AuthConfig) (peer.Authorizer, error) {
	if cfg.PolicyPath == "" {
		return auth.AllowAll{}, nil
	}
	return auth.NewCasbinAuthorizer(cfg.PolicyPath)
}

func PeerConfiguration(cfg config.PeerConfig) peer.Configuration {
	return peer.Configuration{
		ReplicaID:          types.ReplicaID(cfg.ReplicaID),
		OutboundQueueSize:  cfg.OutboundQueueSize,
		EvictionGrace:      cfg.EvictionGrace,
		FlushDebounce:      cfg.FlushDebounce,
		CompactionInterval: cfg.CompactionInterval,
		ResyncInterval:     cfg.ResyncInterval,
		StorageBackoff: peer.Backoff{
			Initial: cfg.Backoff.Initial,
			Factor:  cfg.Backoff.Factor,
			Retry:   cfg.Backoff.Retry,
		},
	}
}

func ProtocolOptions(cfg config.ProtocolConfig) protocol.Options {
	return protocol.Options{
		SyncTimeout:  cfg.SyncTimeout,
		WriteTimeout: cfg.WriteTimeout,
		FrameRate:    cfg.FrameRate,
		FrameBurst:   cfg.FrameBurst,
	}
}
