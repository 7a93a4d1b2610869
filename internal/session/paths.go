package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// ProfileDir returns the profile-specific directory.
func ProfileDir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(ProfileDir(profile), "logs")
}

// LogPath returns the log file of one binary within a profile.
func LogPath(profile, binary string) string {
	return filepath.Join(LogDir(profile), binary+".log")
}

// ServerDir returns the default chatd data directory.
func ServerDir() string {
	return filepath.Join(BaseDir(), "server")
}

// ServerDBPath returns the SQLite database path inside a server data directory.
func ServerDBPath(dataDir string) string {
	return filepath.Join(dataDir, "chatd.db")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(profile string) error {
	for _, d := range []string{ProfileDir(profile), LogDir(profile)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
