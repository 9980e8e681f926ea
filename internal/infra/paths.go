package infra

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "marketsim"

// WorkspaceDir returns the root directory for runtime data. A local
// "_workspace" directory wins (portable/dev mode); otherwise the
// XDG-style user data directory is used.
func WorkspaceDir() string {
	localDir := "_workspace"
	if _, err := os.Stat(localDir); err == nil {
		return localDir
	}

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return localDir
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, appName)
}

// EnsureDir creates the directory if missing.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// CreateLockFile guards the SQLite journal against a second writer
// process. It returns an unlock function.
func CreateLockFile(workDir string) (func(), error) {
	lockPath := filepath.Join(workDir, "instance.lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another instance is already running (lock file exists: %s)", lockPath)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()

	return func() { os.Remove(lockPath) }, nil
}

// ResolveConfigPath finds config.yaml: current directory first, then the
// user config directory.
func ResolveConfigPath() string {
	defaultPath := filepath.Join("configs", "config.yaml")
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}

	if configRoot, err := os.UserConfigDir(); err == nil {
		osPath := filepath.Join(configRoot, appName, "config.yaml")
		if _, err := os.Stat(osPath); err == nil {
			return osPath
		}
	}
	return defaultPath
}
