// pkg/wal/wal.go
// Package wal implements the write-ahead log used to buffer page writes
// before they are folded back into the page store by a checkpoint.
//
// # WAL FILE FORMAT
//
// A WAL file consists of a 512-byte header followed by zero or more
// fixed-size frames. Each frame records the revised content of a single
// page. All little-endian.
//
// Header (512 bytes):
//
//	0-7:   Magic number (0x11A8B23D4760CDB4)
//	8-11:  Page size in bytes
//	12-19: Epoch
//	20-511: Reserved, zero-filled
//
// Frame (16-byte header + page-size bytes of page data):
//
//	0-3:   Page number
//	4-7:   Commit flag (non-zero marks the last frame of a committed
//	       transaction)
//	8-15:  Epoch this frame was written under
//	16-...: Page data
//
// A frame is live only if its epoch equals the header's current epoch.
// Checkpointing does not erase old frames; it folds every live frame back
// into the page store and then bumps the header epoch, which makes the
// old frames invisible to future scans without rewriting them. The tail
// of the file beyond the last complete frame, and any frame whose epoch
// is stale, is ignored by recovery.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"wabl/pkg/filelock"
	"wabl/pkg/indexshm"
	"wabl/pkg/page"
	"wabl/pkg/units"
)

const (
	// HeaderSize is the size of the WAL file header in bytes.
	HeaderSize = 512

	// FrameHeaderSize is the size of a single frame header in bytes.
	FrameHeaderSize = 16

	// MagicNumber identifies a WAL file.
	MagicNumber uint64 = 0x11A8B23D4760CDB4
)

var (
	// ErrInvalidMagic is returned when a non-empty WAL file does not start
	// with MagicNumber.
	ErrInvalidMagic = errors.New("wal: invalid magic number")

	// ErrPageSizeMismatch is returned when an existing WAL file's stored
	// page size does not match the page size requested at Open.
	ErrPageSizeMismatch = errors.New("wal: page size mismatch")

	// ErrLogic is returned when a caller reuses a ReadWal, WriteWal, or
	// Checkpoint value after it has already been consumed by the
	// transition that spends it.
	ErrLogic = errors.New("wal: invalid use after consuming transition")
)

// frameMap records, for each page number, the byte offset of the most
// recent live frame holding that page. It is rebuilt from a single
// forward scan of the file whenever the WAL is opened or a writer needs a
// fresh view after a checkpoint.
type frameMap struct {
	offsets map[uint32]int64
	// tailOffset is where the next frame should be appended: either the
	// end of the last commit frame found during the scan, or HeaderSize if
	// none were found.
	tailOffset int64
}

// WAL is the write-ahead log for a single page store. mu synchronizes
// in-process access to frames and epoch; cross-process coordination is
// the job of the file locks described on ReadWal, WriteWal and
// Checkpoint. Each transaction that locks the WAL file itself opens its
// own file descriptor for it (via openLockHandle) so that, on POSIX, multiple concurrent readers in
// the same process get independent flock state instead of fighting over
// a single descriptor's lock.
type WAL struct {
	mu       sync.RWMutex
	file     *os.File
	path     string
	shm      *indexshm.IndexSHM
	pageSize units.PageSize
	epoch    uint64
	frames   frameMap
}

// openLockHandle opens a fresh file descriptor on the WAL file purely for
// taking an advisory lock on, independent of the handle used for data
// I/O. See the WAL doc comment for why this is a separate descriptor.
func (w *WAL) openLockHandle() (*os.File, error) {
	f, err := os.OpenFile(w.path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open lock handle: %w", err)
	}
	return f, nil
}

// Open opens or creates the WAL file at path. shm provides the writer
// mutual-exclusion point shared with the page store's checkpoint
// protocol. If the file is new or empty it is initialized with epoch 0
// and pageSize; if it already exists its stored page size must match
// pageSize, otherwise ErrPageSizeMismatch is returned without modifying
// the file.
func Open(path string, pageSize units.PageSize, shm *indexshm.IndexSHM) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &WAL{
		file:     file,
		path:     path,
		shm:      shm,
		pageSize: pageSize,
		frames:   frameMap{offsets: make(map[uint32]int64), tailOffset: HeaderSize},
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat: %w", err)
	}

	if info.Size() == 0 {
		if err := w.initHeader(pageSize); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := w.readHeader(); err != nil {
			file.Close()
			return nil, err
		}
		if w.pageSize != pageSize {
			file.Close()
			return nil, ErrPageSizeMismatch
		}
	}

	if err := w.rebuildFrameMap(); err != nil {
		file.Close()
		return nil, err
	}

	return w, nil
}

func (w *WAL) initHeader(pageSize units.PageSize) error {
	w.pageSize = pageSize
	w.epoch = 0
	return w.writeHeader()
}

func (w *WAL) writeHeader() error {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], MagicNumber)
	binary.LittleEndian.PutUint32(header[8:12], w.pageSize.Uint32())
	binary.LittleEndian.PutUint64(header[12:20], w.epoch)

	if _, err := w.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) readHeader() error {
	header := make([]byte, HeaderSize)
	if _, err := w.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != MagicNumber {
		return ErrInvalidMagic
	}

	w.pageSize = units.PageSize(binary.LittleEndian.Uint32(header[8:12]))
	w.epoch = binary.LittleEndian.Uint64(header[12:20])
	return nil
}

// rebuildFrameMap takes mu and delegates to rebuildFrameMapLocked. Callers
// that already hold mu (e.g. a checkpoint mid-transaction) call the
// Locked variant directly instead.
func (w *WAL) rebuildFrameMap() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rebuildFrameMapLocked()
}

// rebuildFrameMapLocked performs the forward scan that reconstructs which
// frame offset is authoritative for each page number. It first re-reads
// the on-disk epoch: if another handle has checkpointed since this WAL's
// view was last built, the epoch on disk has advanced past w.epoch, and
// the frame map is reset and rescanned from the new epoch's start rather
// than trusting stale state (spec step 1 of the frame-map rebuild).
// Otherwise the scan resumes from the last offset it stopped at, since
// the scan is idempotent and only ever extends forward within an epoch.
// Scanning stops at the first frame that is truncated or belongs to a
// stale epoch; frames before that point are trusted up to the last
// commit frame, and any after it are discarded. mu must be held by the
// caller.
func (w *WAL) rebuildFrameMapLocked() error {
	var epochBuf [8]byte
	if _, err := w.file.ReadAt(epochBuf[:], 12); err != nil {
		return fmt.Errorf("wal: read epoch: %w", err)
	}
	if diskEpoch := binary.LittleEndian.Uint64(epochBuf[:]); diskEpoch != w.epoch {
		w.epoch = diskEpoch
		w.frames = frameMap{offsets: make(map[uint32]int64), tailOffset: HeaderSize}
	}

	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("wal: stat: %w", err)
	}

	frameSize := int64(FrameHeaderSize) + int64(w.pageSize.Uint32())
	offset := w.frames.tailOffset

	// pending accumulates page->offset mappings for frames not yet bound
	// to a commit; it is merged into the live map only when a commit
	// frame is reached, and discarded on EOF or epoch mismatch. This
	// keeps a transaction that crashed before writing its commit frame
	// fully invisible, and lets the next writer safely reuse the same
	// offsets.
	pending := make(map[uint32]int64)

	header := make([]byte, FrameHeaderSize)
	for offset+frameSize <= info.Size() {
		if _, err := w.file.ReadAt(header, offset); err != nil {
			break
		}

		pageNo := binary.LittleEndian.Uint32(header[0:4])
		commitFlag := binary.LittleEndian.Uint32(header[4:8])
		frameEpoch := binary.LittleEndian.Uint64(header[8:16])
		if frameEpoch != w.epoch {
			break
		}

		pending[pageNo] = offset
		offset += frameSize

		if commitFlag != 0 {
			for p, o := range pending {
				w.frames.offsets[p] = o
			}
			w.frames.tailOffset = offset
			pending = make(map[uint32]int64)
		}
	}

	return nil
}

// ReadPage returns the live WAL frame for pageNo, reporting found=false
// if no live frame holds that page.
func (w *WAL) ReadPage(pageNo uint32) (p *page.Page, found bool, err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	offset, ok := w.frames.offsets[pageNo]
	if !ok {
		return nil, false, nil
	}

	buf := make([]byte, w.pageSize.Uint32())
	if _, err := w.file.ReadAt(buf, offset+FrameHeaderSize); err != nil {
		return nil, false, fmt.Errorf("wal: read page %d: %w", pageNo, err)
	}
	return page.FromBytes(buf), true, nil
}

// PageSize returns the page size this WAL was opened with.
func (w *WAL) PageSize() units.PageSize {
	return w.pageSize
}

// Epoch returns the WAL's current epoch.
func (w *WAL) Epoch() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.epoch
}

// appendFrameLocked appends a frame for p. Caller must hold w.mu and the
// process-wide writer lock (via WriteWal/Checkpoint). commit marks this
// frame as the last one of its transaction.
func (w *WAL) appendFrameLocked(pageNo uint32, p *page.Page, commit bool) error {
	buf := make([]byte, FrameHeaderSize+int(w.pageSize.Uint32()))
	binary.LittleEndian.PutUint32(buf[0:4], pageNo)
	if commit {
		binary.LittleEndian.PutUint32(buf[4:8], 1)
	}
	binary.LittleEndian.PutUint64(buf[8:16], w.epoch)
	copy(buf[FrameHeaderSize:], p.Bytes())

	offset := w.frames.tailOffset
	if _, err := w.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("wal: append frame: %w", err)
	}

	w.frames.offsets[pageNo] = offset
	w.frames.tailOffset = offset + int64(len(buf))
	return nil
}

// ReadWal is a read-only handle into the WAL. It holds a shared lock on
// the WAL file (on its own file descriptor, so it doesn't contend with
// other ReadWals in the same process), which excludes a concurrent
// Checkpoint but not other readers or a writer.
type ReadWal struct {
	w        *WAL
	lockFile *os.File
	lock     *filelock.SharedLock
	spent    bool
}

// BeginRead acquires a shared lock on the WAL file and refreshes the
// frame map under it, so the returned ReadWal sees every commit durable
// at the time the lock was granted, including ones made by another
// process since this WAL handle was last refreshed.
func (w *WAL) BeginRead() (*ReadWal, error) {
	lockFile, err := w.openLockHandle()
	if err != nil {
		return nil, err
	}
	lock, err := filelock.LockShared(lockFile)
	if err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("wal: acquire shared lock: %w", err)
	}
	if err := w.rebuildFrameMap(); err != nil {
		lock.Unlock()
		lockFile.Close()
		return nil, err
	}
	return &ReadWal{w: w, lockFile: lockFile, lock: lock}, nil
}

// ReadPage reads pageNo's live WAL frame, if any.
func (r *ReadWal) ReadPage(pageNo uint32) (*page.Page, bool, error) {
	if r.spent {
		return nil, false, ErrLogic
	}
	return r.w.ReadPage(pageNo)
}

// BeginWrite consumes the ReadWal and upgrades it to a WriteWal. It
// drops the shared lock before acquiring the writer lock rather than
// trying to upgrade in place — the shared lock does not upgrade, and
// never holding both at once avoids the deadlock that would arise if
// checkpoint acquired its locks in the opposite order. rebuildFrameMap
// runs again after the writer lock is held, to pick up any frames
// committed by another writer in the gap between the two locks.
func (r *ReadWal) BeginWrite() (*WriteWal, error) {
	if r.spent {
		return nil, ErrLogic
	}
	r.spent = true
	r.lock.Unlock()
	r.lockFile.Close()

	lock, err := r.w.shm.AcquireWriteLock()
	if err != nil {
		return nil, fmt.Errorf("wal: acquire writer lock: %w", err)
	}
	if err := r.w.rebuildFrameMap(); err != nil {
		lock.Unlock()
		return nil, err
	}

	return &WriteWal{w: r.w, lock: lock, dirty: make(map[uint32]*page.Page)}, nil
}

// Close releases the ReadWal's shared lock. A no-op if already spent.
func (r *ReadWal) Close() {
	if r.spent {
		return
	}
	r.spent = true
	r.lock.Unlock()
	r.lockFile.Close()
}

// WriteWal is a write transaction. It buffers written pages in memory
// and only appends them to the WAL file at Commit, so that Rollback
// never has to undo any on-disk state. It holds the IndexSHM writer
// lock for its whole lifetime, which is what guarantees at most one
// WriteWal or Checkpoint runs at a time process-wide.
type WriteWal struct {
	w     *WAL
	lock  *filelock.ExclusiveLock
	dirty map[uint32]*page.Page
	spent bool
}

// ReadPage reads pageNo, preferring this transaction's own uncommitted
// writes over the WAL's last-committed state.
func (tx *WriteWal) ReadPage(pageNo uint32) (*page.Page, bool, error) {
	if tx.spent {
		return nil, false, ErrLogic
	}
	if p, ok := tx.dirty[pageNo]; ok {
		return p, true, nil
	}
	return tx.w.ReadPage(pageNo)
}

// WritePage stages a page write in memory. It is not visible to other
// transactions, and not durable, until Commit.
func (tx *WriteWal) WritePage(pageNo uint32, p *page.Page) error {
	if tx.spent {
		return ErrLogic
	}
	tx.dirty[pageNo] = p
	return nil
}

// Commit appends every staged page as a frame, marking the last one as
// the commit frame, and fsyncs the WAL file before returning. The
// transaction is consumed either way.
func (tx *WriteWal) Commit() error {
	if tx.spent {
		return ErrLogic
	}
	tx.spent = true
	defer tx.lock.Unlock()

	tx.w.mu.Lock()
	defer tx.w.mu.Unlock()

	pageNos := make([]uint32, 0, len(tx.dirty))
	for pageNo := range tx.dirty {
		pageNos = append(pageNos, pageNo)
	}

	for i, pageNo := range pageNos {
		commit := i == len(pageNos)-1
		if err := tx.w.appendFrameLocked(pageNo, tx.dirty[pageNo], commit); err != nil {
			return err
		}
	}

	if len(pageNos) == 0 {
		return nil
	}
	return tx.w.file.Sync()
}

// Rollback discards every staged write without touching the WAL file.
// The transaction is consumed either way.
func (tx *WriteWal) Rollback() {
	if tx.spent {
		return
	}
	tx.spent = true
	tx.lock.Unlock()
}

// Checkpoint is a consuming handle that folds every live WAL frame back
// into a page store and then advances the epoch, logically truncating
// the log without rewriting it. It holds both the IndexSHM writer lock
// (blocking new writers) and an exclusive lock on the WAL file (blocking
// new readers) for its whole lifetime, and is the only transaction kind
// allowed to update the WAL header.
type Checkpoint struct {
	w        *WAL
	lock     *filelock.ExclusiveLock
	fileLock *filelock.ExclusiveLock
	lockFile *os.File
	spent    bool
}

// BeginCheckpoint acquires the writer lock, then an exclusive lock on
// the WAL file — that order matters, since it is the opposite of what a
// reader-then-writer upgrade does, and taking them consistently in this
// order across all transaction kinds is what avoids deadlock. It then
// refreshes the frame map and fsyncs the WAL file before returning.
func (w *WAL) BeginCheckpoint() (*Checkpoint, error) {
	lock, err := w.shm.AcquireWriteLock()
	if err != nil {
		return nil, fmt.Errorf("wal: acquire writer lock: %w", err)
	}

	lockFile, err := w.openLockHandle()
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	fileLock, err := filelock.LockExclusive(lockFile)
	if err != nil {
		lockFile.Close()
		lock.Unlock()
		return nil, fmt.Errorf("wal: acquire exclusive file lock: %w", err)
	}

	w.mu.Lock()
	if err := w.rebuildFrameMapLocked(); err != nil {
		w.mu.Unlock()
		fileLock.Unlock()
		lockFile.Close()
		lock.Unlock()
		return nil, err
	}
	if err := w.file.Sync(); err != nil {
		w.mu.Unlock()
		fileLock.Unlock()
		lockFile.Close()
		lock.Unlock()
		return nil, fmt.Errorf("wal: checkpoint fsync: %w", err)
	}

	return &Checkpoint{w: w, lock: lock, fileLock: fileLock, lockFile: lockFile}, nil
}

// PageWriter is the subset of pagestore.PageStore a checkpoint needs.
type PageWriter interface {
	WritePage(pageNo uint32, p *page.Page) error
	Sync() error
}

// Apply writes every live WAL frame into dst, syncs it, advances the
// WAL's epoch, and rewrites the WAL header to reflect the new epoch. The
// old frames are left in place on disk; they become invisible because
// rebuildFrameMap only trusts frames whose epoch matches the header.
// The Checkpoint is consumed either way.
func (c *Checkpoint) Apply(dst PageWriter) error {
	if c.spent {
		return ErrLogic
	}
	c.spent = true
	defer c.lock.Unlock()
	defer c.fileLock.Unlock()
	defer c.lockFile.Close()
	defer c.w.mu.Unlock()

	for pageNo, offset := range c.w.frames.offsets {
		buf := make([]byte, c.w.pageSize.Uint32())
		if _, err := c.w.file.ReadAt(buf, offset+FrameHeaderSize); err != nil {
			return fmt.Errorf("wal: checkpoint read page %d: %w", pageNo, err)
		}
		if err := dst.WritePage(pageNo, page.FromBytes(buf)); err != nil {
			return fmt.Errorf("wal: checkpoint write page %d: %w", pageNo, err)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("wal: checkpoint sync page store: %w", err)
	}

	c.w.epoch++
	if err := c.w.writeHeader(); err != nil {
		return err
	}

	c.w.frames = frameMap{offsets: make(map[uint32]int64), tailOffset: HeaderSize}
	return nil
}

// Discard abandons the checkpoint without folding any frames or
// advancing the epoch. The Checkpoint is consumed either way.
func (c *Checkpoint) Discard() {
	if c.spent {
		return
	}
	c.spent = true
	c.lock.Unlock()
	c.fileLock.Unlock()
	c.lockFile.Close()
	c.w.mu.Unlock()
}

// Close releases the WAL's underlying file handle.
func (w *WAL) Close() error {
	return w.file.Close()
}
