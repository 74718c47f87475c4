package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"golang.org/x/xerrors"
)

const (
	// EnvPrefix prefixes the environment variables read by Load. Nested
	// keys are separated by a double underscore:
	// DOCSYNC_PEER__OUTBOUND_QUEUE_SIZE sets peer.outbound_queue_size.
	EnvPrefix = "DOCSYNC_"
	// PathEnvVar names the configuration file when no path is given.
	PathEnvVar = EnvPrefix + "CONFIG"
)

// Config is the configuration of a server process.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Server   ServerConfig   `koanf:"server"`
	Peer     PeerConfig     `koanf:"peer"`
	Protocol ProtocolConfig `koanf:"protocol"`
	Storage  StorageConfig  `koanf:"storage"`
	Fabric   FabricConfig   `koanf:"fabric"`
	Auth     AuthConfig     `koanf:"auth"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=console json"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `koanf:"addr" validate:"required"`
	// RateLimit is the number of connection attempts accepted per client IP
	// and RateWindow. Zero disables the limit.
	RateLimit       int           `koanf:"rate_limit" validate:"gte=0"`
	RateWindow      time.Duration `koanf:"rate_window" validate:"gt=0"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type PeerConfig struct {
	// ReplicaID is generated when empty.
	ReplicaID          string        `koanf:"replica_id"`
	OutboundQueueSize  int           `koanf:"outbound_queue_size" validate:"gt=0"`
	EvictionGrace      time.Duration `koanf:"eviction_grace" validate:"gte=0"`
	FlushDebounce      time.Duration `koanf:"flush_debounce" validate:"gte=0"`
	CompactionInterval time.Duration `koanf:"compaction_interval" validate:"gte=0"`
	ResyncInterval     time.Duration `koanf:"resync_interval" validate:"gte=0"`
	Backoff            BackoffConfig `koanf:"backoff"`
}

type BackoffConfig struct {
	Initial time.Duration `koanf:"initial" validate:"gt=0"`
	Factor  uint          `koanf:"factor" validate:"gte=1"`
	Retry   uint          `koanf:"retry"`
}

type ProtocolConfig struct {
	SyncTimeout  time.Duration `koanf:"sync_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
	// FrameRate limits inbound frames per second and connection. Zero
	// disables the limit.
	FrameRate  float64 `koanf:"frame_rate" validate:"gte=0"`
	FrameBurst int     `koanf:"frame_burst" validate:"gte=0"`
}

type StorageConfig struct {
	Backend        string `koanf:"backend" validate:"oneof=memory badger postgres"`
	BadgerPath     string `koanf:"badger_path" validate:"required_if=Backend badger BadgerInMemory false"`
	BadgerInMemory bool   `koanf:"badger_in_memory"`
	PostgresDSN    string `koanf:"postgres_dsn" validate:"required_if=Backend postgres"`
}

type FabricConfig struct {
	Backend string `koanf:"backend" validate:"oneof=none nats redis"`
	NATSURL string `koanf:"nats_url"`
	// Embedded starts a NATS server in the process. NATSURL is ignored.
	Embedded      bool   `koanf:"embedded"`
	EmbeddedHost  string `koanf:"embedded_host"`
	EmbeddedPort  int    `koanf:"embedded_port" validate:"gte=-1,lte=65535"`
	RedisAddr     string `koanf:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"gte=0"`
}

type AuthConfig struct {
	Mode      string `koanf:"mode" validate:"oneof=none jwt"`
	JWTSecret string `koanf:"jwt_secret" validate:"required_if=Mode jwt"`
	Issuer    string `koanf:"issuer"`
	// PolicyPath is a casbin policy file. Everyone may write every document
	// when empty.
	PolicyPath string `koanf:"policy_path"`
	// AnonymousUser is the user of unauthenticated connections in mode
	// none.
	AnonymousUser string `koanf:"anonymous_user"`
}

// Default returns the configuration used for unset keys.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       60,
			RateWindow:      time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Peer: PeerConfig{
			OutboundQueueSize:  256,
			EvictionGrace:      30 * time.Second,
			FlushDebounce:      200 * time.Millisecond,
			CompactionInterval: 5 * time.Minute,
			ResyncInterval:     time.Second,
			Backoff: BackoffConfig{
				Initial: 100 * time.Millisecond,
				Factor:  2,
				Retry:   5,
			},
		},
		Protocol: ProtocolConfig{
			SyncTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			FrameRate:    200,
			FrameBurst:   400,
		},
		Storage: StorageConfig{
			Backend:    "memory",
			BadgerPath: "data",
		},
		Fabric: FabricConfig{
			Backend:      "none",
			NATSURL:      "nats://127.0.0.1:4222",
			EmbeddedHost: "127.0.0.1",
			EmbeddedPort: 4222,
			RedisAddr:    "127.0.0.1:6379",
		},
		Auth: AuthConfig{
			Mode:          "none",
			AnonymousUser: "anonymous",
		},
	}
}

// Load reads the configuration: defaults, then the YAML file at path (or
// the one named by DOCSYNC_CONFIG), then DOCSYNC_ environment variables.
// An empty path without DOCSYNC_CONFIG reads no file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	err := k.Load(structs.Provider(Default(), "koanf"), nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		err = k.Load(file.Provider(path), yaml.Parser())
		if err != nil {
			return nil, xerrors.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err = k.Load(env.Provider(EnvPrefix, ".", envKey), nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	err = k.Unmarshal("", cfg)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// envKey maps DOCSYNC_STORAGE__BADGER_PATH to storage.badger_path.
func envKey(key string) string {
	if key == PathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the field constraints and the combinations the tags
// cannot express.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err != nil {
		return xerrors.Errorf("invalid configuration: %w", err)
	}

	if c.Fabric.Backend == "nats" && !c.Fabric.Embedded && c.Fabric.NATSURL == "" {
		return xerrors.New("invalid configuration: fabric.nats_url is required without an embedded server")
	}
	if c.Fabric.Embedded && c.Fabric.Backend != "nats" {
		return xerrors.Errorf("invalid configuration: embedded server needs the nats fabric, got %q", c.Fabric.Backend)
	}

	return nil
}
