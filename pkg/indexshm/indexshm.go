// pkg/indexshm/indexshm.go
//
// Package indexshm implements the ".shm" sidecar file: a small
// memory-mapped auxiliary file whose only job today is to provide a
// mutual-exclusion point for writers that is distinct from the lock held
// on the WAL file itself. Checkpoint takes an exclusive lock on the WAL
// file; a writer takes the lock here instead, which is why a writer and a
// reader may coexist (§4.4 of the write-ahead-log design). The mapping
// also reserves space for future shared index structures.
package indexshm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"wabl/pkg/filelock"
	"wabl/pkg/units"
)

// MinSize is the floor on the sidecar file's size: 32 KiB leaves generous
// room for structures beyond the write-lock this package currently
// exposes, covering every page size up to 32 KiB on its own. spec.md §6
// requires the sidecar be at least one page, so Open grows past MinSize
// for any larger page size instead of leaving the file smaller than a
// single page.
const MinSize = 32 * 1024

const magicNumber uint64 = 0x7DAB6CA4B28AFDEE

// IndexSHM owns the memory-mapped sidecar file and the lock used to
// coordinate writers.
type IndexSHM struct {
	mu   sync.Mutex
	file *os.File
	data []byte
}

// Open opens or creates the sidecar file at path, preallocating it to
// max(MinSize, one page of pageSize) and memory-mapping it read/write. If
// the stamped magic number is absent or wrong, it is (re)written under an
// exclusive lock.
func Open(path string, pageSize units.PageSize) (*IndexSHM, error) {
	size := int64(MinSize)
	if p := int64(pageSize.Uint32()); p > size {
		size = p
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("indexshm: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("indexshm: stat: %w", err)
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("indexshm: preallocate: %w", err)
		}
	}

	data, err := mmapFile(f, int(size))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("indexshm: mmap: %w", err)
	}

	shm := &IndexSHM{file: f, data: data}
	if err := shm.init(); err != nil {
		munmapFile(shm.data)
		f.Close()
		return nil, err
	}

	return shm, nil
}

func (s *IndexSHM) init() error {
	lock, err := filelock.LockExclusive(s.file)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if binary.LittleEndian.Uint64(s.data[0:8]) != magicNumber {
		binary.LittleEndian.PutUint64(s.data[0:8], magicNumber)
	}
	return nil
}

// AcquireWriteLock acquires the process-wide write lock that guards the
// "at most one WriteWal or Checkpoint" invariant for writers. Checkpoints
// also take this lock (before the WAL file's exclusive lock) so that at
// most one of {a writer, a checkpoint} proceeds at a time.
func (s *IndexSHM) AcquireWriteLock() (*filelock.ExclusiveLock, error) {
	return filelock.LockExclusive(s.file)
}

// Close unmaps and closes the sidecar file.
func (s *IndexSHM) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.data != nil {
		err = munmapFile(s.data)
		s.data = nil
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
