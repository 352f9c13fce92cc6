package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.SignalingURL = "ws://localhost:8080/ws"
	cfg.Reconnect.MaxAttempts = 3
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.SignalingURL != "ws://localhost:8080/ws" {
		t.Errorf("SignalingURL = %q", loaded.SignalingURL)
	}
	if loaded.Reconnect.MaxAttempts != 3 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 3", loaded.Reconnect.MaxAttempts)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestDefaultReconnect(t *testing.T) {
	cfg := Default()
	if cfg.Reconnect.DelayMillis != 1000 {
		t.Errorf("DelayMillis = %d, want 1000", cfg.Reconnect.DelayMillis)
	}
	if cfg.Reconnect.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", cfg.Reconnect.MaxAttempts)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
