// Package paths resolves the UCM core's on-disk locations. It has no
// internal imports (stdlib only) to avoid import cycles with config,
// which needs these paths before it has anything else to depend on.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the UCM data root (~/.local/share/ucm), the same
// location config.Default uses.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ucm"), nil
}

// DataPath returns a path within the UCM data directory.
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config file path. Priority: ./ucm.yaml
// (current directory) over ~/.config/ucm/ucm.yaml. Returns ("", nil) if
// neither exists — a valid state, callers fall back to config.Default.
func ConfigPath() (string, error) {
	localPath := "ucm.yaml"
	if _, err := os.Stat(localPath); err == nil {
		abs, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return abs, nil
	}

	globalPath, err := DefaultConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}
	return "", nil
}

// DefaultConfigPath returns the default location for a new config file
// (~/.config/ucm/ucm.yaml).
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ucm", "ucm.yaml"), nil
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if needed.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a leading ~ to the user's home directory.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
