package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLockContended is returned by TryLockFile when another process already
// holds the advisory lock.
var ErrLockContended = errors.New("file lock held by another process")

// TryLockFile acquires a non-blocking exclusive advisory lock on lockPath,
// creating the file if necessary. On success it returns a release function
// that unlocks and closes the file. On contention it returns
// ErrLockContended; callers are expected to retry with backoff rather than
// block.
//
// The lock file itself is never removed: removing it would let a second
// process lock a fresh inode while the first still holds the old one.
func TryLockFile(lockPath string) (release func() error, err error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := flockExclusiveNB(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, ErrLockContended
		}
		return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}

	return func() error {
		defer f.Close()
		return flockUnlock(f)
	}, nil
}
