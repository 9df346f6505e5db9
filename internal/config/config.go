// Package config loads ptyhubd's daemon-wide tuning from an optional YAML
// file: it parses the fields that are present and defaults the rest.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/seboyle/ptyhubd/internal/session"
)

// Config is the full set of daemon-wide tunables. Zero values in the
// parsed YAML fall back to the defaults below.
type Config struct {
	// SocketPath is the Unix socket the daemon listens on.
	SocketPath string `yaml:"socket_path"`

	// ScrollbackBytes bounds each session's retained output.
	ScrollbackBytes int `yaml:"scrollback_bytes"`

	// BroadcastQueueDepth bounds each attached client's pending-output
	// queue before the oldest batch is dropped.
	BroadcastQueueDepth int `yaml:"broadcast_queue_depth"`

	// PtyReadBufferSize is the read buffer size for each session's PTY
	// drain loop.
	PtyReadBufferSize int `yaml:"pty_read_buffer_size"`

	// DeadSessionSweepIntervalSeconds controls how often stopped sessions are
	// checked for reclamation, in seconds.
	DeadSessionSweepIntervalSeconds int `yaml:"dead_session_sweep_interval_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	sessCfg := session.DefaultConfig()
	return Config{
		SocketPath:                      DefaultSocketPath(),
		ScrollbackBytes:                 sessCfg.ScrollbackBytes,
		BroadcastQueueDepth:             sessCfg.BroadcastQueueDepth,
		PtyReadBufferSize:               sessCfg.PtyReadBufferSize,
		DeadSessionSweepIntervalSeconds: 60,
	}
}

// DefaultSocketPath returns ${PTYHUBD_HOME:-$HOME/.ptyhubd}/ptyhubd.sock.
func DefaultSocketPath() string {
	return filepath.Join(HomeDir(), "ptyhubd.sock")
}

// HomeDir returns ${PTYHUBD_HOME:-$HOME/.ptyhubd}, the daemon's state
// directory (socket, log, pid file).
func HomeDir() string {
	if v := os.Getenv("PTYHUBD_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".ptyhubd")
}

// Load reads path if it exists, overlaying Default() with whatever fields
// are present. A missing file is not an error: the daemon runs on
// defaults alone.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if overlay.SocketPath != "" {
		cfg.SocketPath = overlay.SocketPath
	}
	if overlay.ScrollbackBytes > 0 {
		cfg.ScrollbackBytes = overlay.ScrollbackBytes
	}
	if overlay.BroadcastQueueDepth > 0 {
		cfg.BroadcastQueueDepth = overlay.BroadcastQueueDepth
	}
	if overlay.PtyReadBufferSize > 0 {
		cfg.PtyReadBufferSize = overlay.PtyReadBufferSize
	}
	if overlay.DeadSessionSweepIntervalSeconds > 0 {
		cfg.DeadSessionSweepIntervalSeconds = overlay.DeadSessionSweepIntervalSeconds
	}

	return cfg, nil
}

// SessionConfig extracts the subset consumed by session.Store.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		ScrollbackBytes:     c.ScrollbackBytes,
		BroadcastQueueDepth: c.BroadcastQueueDepth,
		PtyReadBufferSize:   c.PtyReadBufferSize,
	}
}
