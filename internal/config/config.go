package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.comms/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// SignalingURL is the ws:// or wss:// endpoint of the portal's
	// signaling server.
	SignalingURL string `toml:"signaling_url"`

	// APIBaseURL is the base URL of the portal's REST API, used for
	// history, mark-read, unread snapshots and the send fallback.
	APIBaseURL string `toml:"api_base_url"`

	Reconnect Reconnect `toml:"reconnect"`

	// ICEServers lists STUN/TURN URLs handed to the peer connection.
	ICEServers []string `toml:"ice_servers"`

	// SyncIntervalSeconds controls how often the reconciliation engine
	// pulls authoritative unread snapshots.
	SyncIntervalSeconds int `toml:"sync_interval_seconds"`
}

// Reconnect configures the channel reconnect policy.
type Reconnect struct {
	DelayMillis  int `toml:"delay_ms"`
	MaxAttempts  int `toml:"max_attempts"`
	JitterMillis int `toml:"jitter_ms"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession:      "main",
		SignalingURL:        "wss://comms.onboardly.internal/ws",
		APIBaseURL:          "https://comms.onboardly.internal/api",
		Reconnect:           Reconnect{DelayMillis: 1000, MaxAttempts: 1},
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		SyncIntervalSeconds: 30,
	}
}

// Load reads config from the given path. Returns an error if the file
// is missing; callers fall back to Default.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
