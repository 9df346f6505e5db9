package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysProvidedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ptyhubd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket_path: /tmp/custom.sock
scrollback_bytes: 2048
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
	assert.Equal(t, 2048, cfg.ScrollbackBytes)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().BroadcastQueueDepth, cfg.BroadcastQueueDepth)
}

func TestLoad_MalformedYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestHomeDir_RespectsEnvOverride(t *testing.T) {
	t.Setenv("PTYHUBD_HOME", "/custom/state")
	assert.Equal(t, "/custom/state", HomeDir())
}
