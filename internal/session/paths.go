// Package session resolves the on-disk layout of a commsd session:
// ~/.comms/sessions/<name>/ holds the local cache, log files, lock and
// the bearer token placed there by the portal's auth tooling.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// BaseDir returns ~/.comms.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".comms")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// CacheDBPath returns the local message-cache database path.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// TokenPath returns the bearer-token file path. The token is issued by
// the portal's auth service; commsd only reads it.
func TokenPath(name string) string {
	return filepath.Join(Dir(name), "token")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "commsd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with owner-only access.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName rejects session names that would escape the sessions dir.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid session name %q: only letters, digits, - and _ are allowed", name)
	}
	return nil
}

// ReadToken loads the bearer token for a session, trimming whitespace.
func ReadToken(name string) (string, error) {
	data, err := os.ReadFile(TokenPath(name))
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", TokenPath(name))
	}
	return token, nil
}
