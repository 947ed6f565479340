package config

import (
	"os"
	"path/filepath"
)

// DataDirName is the per-project directory holding config, rules, logs and snapshots.
const DataDirName = ".mcp-memory"

// FindDataDir looks for the .mcp-memory directory starting from the current
// working directory and moving up the directory tree. When none exists the
// directory under the current working directory is returned.
func FindDataDir() (string, error) {
	currentDir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := currentDir
	for {
		candidate := filepath.Join(dir, DataDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}

		parentDir := filepath.Dir(dir)
		if parentDir == dir {
			break
		}
		dir = parentDir
	}

	return filepath.Join(currentDir, DataDirName), nil
}

// EnsureDataDirs creates the data directory and its logs subdirectory.
func EnsureDataDirs(dataDir string) error {
	return os.MkdirAll(filepath.Join(dataDir, "logs"), 0755)
}
