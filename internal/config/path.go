package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultDataDir returns where the server keeps checkpoints when no data dir
// is configured. Replay state is regenerable from producers, so it belongs
// under the platform's data (not config) location: XDG data on Linux-like
// systems, the application-support trees on macOS and Windows. A server
// running as a system service (root) uses /var/lib so checkpoints survive
// user-account cleanup.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "replay")
	case "windows":
		if d := os.Getenv("LOCALAPPDATA"); d != "" {
			return filepath.Join(d, "replay")
		}
		return filepath.Join(home, "AppData", "Local", "replay")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "replay")
		}
		if os.Geteuid() == 0 {
			return filepath.Join("/var/lib", "replay")
		}
		return filepath.Join(home, ".local", "share", "replay")
	}
}
