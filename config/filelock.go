package config

import (
	"os"
	"path/filepath"
)

const lockFileName = "state.lock"

// FileLock provides file-based locking for cross-process synchronization.
// It uses a separate lock file rather than locking the data file directly.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a new FileLock for the given path.
// The lock file will be created in the same directory as the given path.
func NewFileLock(path string) *FileLock {
	lockPath := filepath.Join(filepath.Dir(path), lockFileName)
	return &FileLock{
		path: lockPath,
	}
}

// NewFileLockAtPath creates a FileLock against the exact path given, rather
// than deriving a sibling "state.lock" file. Used where the caller has
// already computed the precise lock file path (e.g. the pool's per-server
// "<prefix><name>.lock").
func NewFileLockAtPath(lockPath string) *FileLock {
	return &FileLock{path: lockPath}
}

// GetSessionsLock returns a FileLock for the persisted session store.
func GetSessionsLock() (*FileLock, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	sessionsPath := filepath.Join(configDir, SessionsFileName)
	return NewFileLock(sessionsPath), nil
}
