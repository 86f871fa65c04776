//go:build !windows

// pkg/filelock/lock_unix.go
package filelock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockShared blocks until an advisory shared lock is held on f.
func lockShared(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return fmt.Errorf("filelock: lock shared: %w", err)
	}
	return nil
}

// lockExclusive blocks until an advisory exclusive lock is held on f.
func lockExclusive(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("filelock: lock exclusive: %w", err)
	}
	return nil
}

// unlock releases whichever lock is held on f.
func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
