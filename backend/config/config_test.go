package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func Test_Config_Defaults(t *testing.T) {
	t.Setenv(PathEnvVar, "")

	cfg, err := Load("")
	require.NoError(t, err)

	def := Default()
	require.Equal(t, def.Log, cfg.Log)
	require.Equal(t, def.Peer, cfg.Peer)
	require.Equal(t, def.Protocol, cfg.Protocol)
	require.Equal(t, def.Storage, cfg.Storage)
	require.Equal(t, def.Fabric, cfg.Fabric)
	require.Equal(t, def.Auth, cfg.Auth)
	require.Equal(t, def.Server.Addr, cfg.Server.Addr)
	require.Empty(t, cfg.Server.AllowedOrigins)
}

func Test_Config_File(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
server:
  addr: 127.0.0.1:9000
  allowed_origins:
    - https://docs.example.com
peer:
  eviction_grace: 1m
  backoff:
    retry: 3
storage:
  backend: badger
  badger_path: /var/lib/docsync
fabric:
  backend: nats
  embedded: true
  embedded_port: -1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	require.Equal(t, []string{"https://docs.example.com"}, cfg.Server.AllowedOrigins)
	require.Equal(t, time.Minute, cfg.Peer.EvictionGrace)
	require.Equal(t, uint(3), cfg.Peer.Backoff.Retry)
	require.Equal(t, "badger", cfg.Storage.Backend)
	require.Equal(t, "/var/lib/docsync", cfg.Storage.BadgerPath)
	require.True(t, cfg.Fabric.Embedded)
	require.Equal(t, -1, cfg.Fabric.EmbeddedPort)

	// untouched keys keep their defaults
	require.Equal(t, Default().Peer.FlushDebounce, cfg.Peer.FlushDebounce)
	require.Equal(t, uint(2), cfg.Peer.Backoff.Factor)
}

func Test_Config_File_From_Environment(t *testing.T) {
	path := writeFile(t, "server:\n  addr: :7000\n")
	t.Setenv(PathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Server.Addr)
}

func Test_Config_Missing_File(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func Test_Config_Environment_Overrides_File(t *testing.T) {
	path := writeFile(t, "peer:\n  outbound_queue_size: 16\n")
	t.Setenv("DOCSYNC_PEER__OUTBOUND_QUEUE_SIZE", "64")
	t.Setenv("DOCSYNC_PROTOCOL__SYNC_TIMEOUT", "3s")
	t.Setenv("DOCSYNC_AUTH__MODE", "jwt")
	t.Setenv("DOCSYNC_AUTH__JWT_SECRET", "secret")
	t.Setenv("DOCSYNC_SERVER__ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 64, cfg.Peer.OutboundQueueSize)
	require.Equal(t, 3*time.Second, cfg.Protocol.SyncTimeout)
	require.Equal(t, "jwt", cfg.Auth.Mode)
	require.Equal(t, "secret", cfg.Auth.JWTSecret)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func Test_Config_Validation(t *testing.T) {
	table := map[string]func(*Config){
		"log level":           func(c *Config) { c.Log.Level = "verbose" },
		"storage backend":     func(c *Config) { c.Storage.Backend = "sqlite" },
		"badger path":         func(c *Config) { c.Storage.Backend = "badger"; c.Storage.BadgerPath = "" },
		"postgres dsn":        func(c *Config) { c.Storage.Backend = "postgres" },
		"jwt secret":          func(c *Config) { c.Auth.Mode = "jwt" },
		"queue size":          func(c *Config) { c.Peer.OutboundQueueSize = 0 },
		"backoff factor":      func(c *Config) { c.Peer.Backoff.Factor = 0 },
		"nats url":            func(c *Config) { c.Fabric.Backend = "nats"; c.Fabric.NATSURL = "" },
		"embedded on redis":   func(c *Config) { c.Fabric.Backend = "redis"; c.Fabric.Embedded = true },
		"negative frame rate": func(c *Config) { c.Protocol.FrameRate = -1 },
	}

	for name, mutate := range table {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	// in-memory badger needs no path
	cfg := Default()
	cfg.Storage.Backend = "badger"
	cfg.Storage.BadgerPath = ""
	cfg.Storage.BadgerInMemory = true
	require.NoError(t, cfg.Validate())
}

func Test_Config_Invalid_Environment(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	t.Setenv("DOCSYNC_STORAGE__BACKEND", "sqlite")

	_, err := Load("")
	require.Error(t, err)
}
