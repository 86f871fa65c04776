// pkg/filelock/lock.go
package filelock

import "os"

// SharedLock is a scoped shared (read) advisory lock on a file handle.
// Any number of processes may hold a SharedLock on the same file
// concurrently; it excludes only ExclusiveLock holders.
type SharedLock struct {
	file *os.File
}

// ExclusiveLock is a scoped exclusive (write) advisory lock on a file
// handle. At most one process may hold it, and it excludes both
// SharedLock and other ExclusiveLock holders.
type ExclusiveLock struct {
	file *os.File
}

// LockShared blocks until a shared lock on f is acquired.
func LockShared(f *os.File) (*SharedLock, error) {
	if err := lockShared(f); err != nil {
		return nil, err
	}
	return &SharedLock{file: f}, nil
}

// Unlock releases the shared lock. Failure to release is a programming
// error; it indicates the file descriptor was closed or corrupted out from
// under the lock, so it aborts rather than returning a silently-ignored
// error.
func (l *SharedLock) Unlock() {
	if err := unlock(l.file); err != nil {
		panic("filelock: failed to release shared lock: " + err.Error())
	}
}

// LockExclusive blocks until an exclusive lock on f is acquired.
func LockExclusive(f *os.File) (*ExclusiveLock, error) {
	if err := lockExclusive(f); err != nil {
		return nil, err
	}
	return &ExclusiveLock{file: f}, nil
}

// Unlock releases the exclusive lock. See SharedLock.Unlock for why release
// failure aborts.
func (l *ExclusiveLock) Unlock() {
	if err := unlock(l.file); err != nil {
		panic("filelock: failed to release exclusive lock: " + err.Error())
	}
}
