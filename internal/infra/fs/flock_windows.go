//go:build windows
// +build windows

package fs

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("lock would block")

// flockExclusiveNB acquires an exclusive lock on the file without blocking
// Note: Windows doesn't have direct flock support, so this is a no-op for now
// TODO: Implement Windows file locking using LockFileEx
func flockExclusiveNB(f *os.File) error {
	// No-op on Windows for now
	// In production, this should use Windows API LockFileEx
	return nil
}

// flockUnlock releases the lock on the file
func flockUnlock(f *os.File) error {
	// No-op on Windows for now
	return nil
}
