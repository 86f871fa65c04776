// pkg/pagestore/pagestore.go
// Package pagestore implements the on-disk fixed-page-size heap that
// backs a database file once a checkpoint has folded the write-ahead log
// into it.
//
// # FILE FORMAT
//
// A page store file consists of a 100-byte header followed by pages of
// PageSize bytes each:
//
//	0-7:   Magic number (0xEE2E85C62FF153C8)
//	8-11:  Page size in bytes
//	12-99: Reserved, zero-filled
//
// Page n is stored at byte offset HeaderSize + n*PageSize. This reserves
// the header region distinctly from page 0 rather than overlapping them,
// so every page, including page 0, is addressed the same way.
package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"wabl/pkg/page"
	"wabl/pkg/units"
)

// HeaderSize is the size of the page store file header in bytes.
const HeaderSize = 100

// MagicNumber identifies a page store file.
const MagicNumber uint64 = 0xEE2E85C62FF153C8

var (
	// ErrInvalidMagic is returned when a non-empty page store file does
	// not start with MagicNumber.
	ErrInvalidMagic = errors.New("pagestore: invalid magic number")

	// ErrPageSizeMismatch is returned when an existing page store file's
	// stored page size does not match the page size requested at Open.
	ErrPageSizeMismatch = errors.New("pagestore: page size mismatch")

	// ErrShortRead is returned when a page read runs past the current end
	// of file. Callers that want a zero-filled page for not-yet-written
	// space must extend the file first via ResizeAtLeast.
	ErrShortRead = errors.New("pagestore: short read")
)

// PageStore is the fixed-page-size backing file for committed pages.
type PageStore struct {
	mu       sync.RWMutex
	file     *os.File
	pageSize units.PageSize
}

// Open opens or creates the page store file at path. An empty file is
// initialized with a fresh header; an existing file's stored page size
// must match pageSize.
func Open(path string, pageSize units.PageSize) (*PageStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open %s: %w", path, err)
	}

	ps := &PageStore{file: file, pageSize: pageSize}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("pagestore: stat: %w", err)
	}

	if info.Size() == 0 {
		if err := ps.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		storedSize, err := ps.readHeader()
		if err != nil {
			file.Close()
			return nil, err
		}
		if storedSize != pageSize {
			file.Close()
			return nil, ErrPageSizeMismatch
		}
	}

	return ps, nil
}

func (ps *PageStore) writeHeader() error {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], MagicNumber)
	binary.LittleEndian.PutUint32(header[8:12], ps.pageSize.Uint32())

	if _, err := ps.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("pagestore: write header: %w", err)
	}
	return ps.file.Sync()
}

func (ps *PageStore) readHeader() (units.PageSize, error) {
	header := make([]byte, HeaderSize)
	if _, err := ps.file.ReadAt(header, 0); err != nil {
		return 0, fmt.Errorf("pagestore: read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != MagicNumber {
		return 0, ErrInvalidMagic
	}

	return units.PageSize(binary.LittleEndian.Uint32(header[8:12])), nil
}

func (ps *PageStore) pageOffset(pageNo uint32) int64 {
	return int64(HeaderSize) + int64(pageNo)*int64(ps.pageSize.Uint32())
}

// ReadPage reads page pageNo from the store. A page past the current end
// of file is a short read and fails with ErrShortRead rather than
// returning a zero-filled page; callers that want zero-filled pages for
// not-yet-written space must extend the file first via ResizeAtLeast.
func (ps *PageStore) ReadPage(pageNo uint32) (*page.Page, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	buf := make([]byte, ps.pageSize.Uint32())
	n, err := ps.file.ReadAt(buf, ps.pageOffset(pageNo))
	if n < len(buf) {
		return nil, fmt.Errorf("pagestore: read page %d: %w", pageNo, ErrShortRead)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("pagestore: read page %d: %w", pageNo, err)
	}
	return page.FromBytes(buf), nil
}

// WritePage writes p to page pageNo, growing the file if necessary.
func (ps *PageStore) WritePage(pageNo uint32, p *page.Page) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	offset := ps.pageOffset(pageNo)
	if err := ps.resizeAtLeastLocked(offset + int64(ps.pageSize.Uint32())); err != nil {
		return err
	}
	if _, err := ps.file.WriteAt(p.Bytes(), offset); err != nil {
		return fmt.Errorf("pagestore: write page %d: %w", pageNo, err)
	}
	return nil
}

// ResizeAtLeast grows the underlying file to at least minLen bytes,
// leaving existing content untouched. It is a no-op if the file is
// already at least that large.
func (ps *PageStore) ResizeAtLeast(minLen int64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.resizeAtLeastLocked(minLen)
}

func (ps *PageStore) resizeAtLeastLocked(minLen int64) error {
	info, err := ps.file.Stat()
	if err != nil {
		return fmt.Errorf("pagestore: stat: %w", err)
	}
	if info.Size() >= minLen {
		return nil
	}
	if err := ps.file.Truncate(minLen); err != nil {
		return fmt.Errorf("pagestore: resize: %w", err)
	}
	return nil
}

// Sync flushes the page store file to stable storage.
func (ps *PageStore) Sync() error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.file.Sync()
}

// PageSize returns the page size this store was opened with.
func (ps *PageStore) PageSize() units.PageSize {
	return ps.pageSize
}

// Close closes the underlying file.
func (ps *PageStore) Close() error {
	return ps.file.Close()
}
