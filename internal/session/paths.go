package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatkit.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatkit")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// CacheDBPath returns the local snapshot cache path for a session.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// LogPath returns the session log file path.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "logs", "chatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory if needed.
func EnsureDir(name string) error {
	return os.MkdirAll(Dir(name), 0700)
}
