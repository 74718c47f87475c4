package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Node-sync/backend/auth"
	"Node-sync/backend/config"
	"Node-sync/backend/logging"
	"Node-sync/backend/peer"
	"Node-sync/backend/peer/impl"
	"Node-sync/backend/server"
	"Node-sync/backend/types"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
)

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		logging.Logger().Fatal().Err(err).Msg("docsync failed")
	}
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "YAML configuration file",
	EnvVars: []string{config.PathEnvVar},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "docsync",
		Usage: "real-time collaborative document synchronization server",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve documents over websocket",
				Flags:  []cli.Flag{configFlag},
				Action: serve,
			},
			{
				Name:      "inspect",
				Usage:     "print the materialized tree of a stored document as JSON",
				ArgsUsage: "<document id>",
				Flags:     []cli.Flag{configFlag},
				Action:    inspect,
			},
			{
				Name:  "token",
				Usage: "issue a JWT for a user",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: token,
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	err = logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: c.App.ErrWriter,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		return err
	}

	return app.Run(ctx)
}

type inspection struct {
	Document string            `json:"document"`
	Vector   types.StateVector `json:"vector"`
	Blocks   []types.Block     `json:"blocks"`
}

// inspect loads the document from the configured store without a fabric
// and prints it. Nothing is written back.
func inspect(c *cli.Context) error {
	docID := c.Args().First()
	if docID == "" {
		return xerrors.New("missing document id")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := server.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	conf := server.PeerConfiguration(cfg.Peer)
	conf.Store = store
	conf.CompactionInterval = 0
	p := impl.NewPeer(conf)
	err = p.Start()
	if err != nil {
		return err
	}
	defer p.Stop()

	out, err := inspectDocument(ctx, p, docID)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(c.App.Writer, string(out))
	return err
}

func inspectDocument(ctx context.Context, p peer.CRDT, docID string) ([]byte, error) {
	tree, err := p.Materialize(ctx, docID)
	if err != nil {
		return nil, xerrors.Errorf("failed to load %s: %w", docID, err)
	}
	vector, err := p.StateVector(ctx, docID)
	if err != nil {
		return nil, xerrors.Errorf("failed to load %s: %w", docID, err)
	}

	blocks := tree.Blocks
	if blocks == nil {
		blocks = []types.Block{}
	}

	out, err := json.MarshalIndent(inspection{Document: docID, Vector: vector, Blocks: blocks}, "", "  ")
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal %s: %w", docID, err)
	}
	return out, nil
}

func token(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Auth.Mode != "jwt" {
		return xerrors.Errorf("auth mode is %q, tokens need jwt", cfg.Auth.Mode)
	}

	authenticator, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	signed, err := authenticator.Issue(c.String("user"), c.Duration("ttl"))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(c.App.Writer, signed)
	return err
}
