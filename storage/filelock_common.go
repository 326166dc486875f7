package storage

import (
	"os"

	"github.com/google/uuid"
)

// writeIdentityToken stamps f with a fresh UUID so a second process that
// fails to acquire the lock can report which instance holds it instead of
// a bare flock failure.
func writeIdentityToken(f *os.File) (string, error) {
	token := uuid.NewString()
	if err := f.Truncate(0); err != nil {
		return "", err
	}
	if _, err := f.WriteAt([]byte(token), 0); err != nil {
		return "", err
	}
	return token, nil
}

// readIdentityToken best-effort reads the holder's identity token from an
// already-locked lock file; empty on any error.
func readIdentityToken(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return ""
	}
	return string(data)
}

// FileLock is the exported handle the root facade holds for the lifetime
// of an on-disk database, released by Unlock at Close.
type FileLock struct {
	inner *fileLock
}

// LockFile acquires an exclusive lock on path (path+".lock" on disk),
// failing if another instance already holds it.
func LockFile(path string) (*FileLock, error) {
	fl, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	return &FileLock{inner: fl}, nil
}

// Unlock releases the lock. Safe to call on a nil *FileLock.
func (f *FileLock) Unlock() error {
	if f == nil || f.inner == nil {
		return nil
	}
	return f.inner.unlock()
}
