package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Empty(t, cfg.Database.DSN)
	require.Zero(t, cfg.Trade.SweepInterval, "sweeper is off unless enabled")
}

func TestLoadMissingFileIsOptional(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
trade:
  tolerance_meters: 250
  grace_window: 5m
  sweep_interval: 30s
http:
  rate_limit: 20
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, 250.0, cfg.Trade.ToleranceMeters)
	require.Equal(t, 5*time.Minute, cfg.Trade.GraceWindow)
	require.Equal(t, 30*time.Second, cfg.Trade.SweepInterval)
	require.Equal(t, 20, cfg.HTTP.RateLimit)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o600))

	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("TRADE_GRACE_WINDOW", "20m")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, 20*time.Minute, cfg.Trade.GraceWindow)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trade:\n  tolerance_meters: -1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
