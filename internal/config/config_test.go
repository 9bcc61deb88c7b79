package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	data := `
node:
  peer_id: zed
  remote_id: amy
logger:
  level: debug
  json: true
reader:
  stall_timeout: 250ms
replication:
  upload_allowed: false
  call_timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "zed", cfg.Node.PeerID)
	require.Equal(t, "amy", cfg.Node.RemoteID)
	require.True(t, cfg.Logger.JSON)
	require.Equal(t, 250*time.Millisecond, cfg.Reader.StallTimeout)
	require.False(t, cfg.Replication.UploadAllowed)
	require.Equal(t, 2*time.Second, cfg.Replication.CallTimeout)
	// untouched sections keep their defaults
	require.Equal(t, Default().HTTP, cfg.HTTP)
	require.Equal(t, Default().Replication.Debounce, cfg.Replication.Debounce)

	lvl, err := cfg.Logger.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  peer_id: a\n  remote_id: a\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "must differ")

	require.NoError(t, os.WriteFile(path, []byte("node: [unclosed\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Logger.Level = "loud"
	cfg.HTTP.Port = 70000
	cfg.Reader.StallTimeout = 0
	err := cfg.Validate()
	require.ErrorContains(t, err, "logger.level")
	require.ErrorContains(t, err, "http.port")
	require.ErrorContains(t, err, "reader.stall_timeout")
}
