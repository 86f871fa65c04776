package pagestore

import (
	"errors"
	"path/filepath"
	"testing"

	"wabl/pkg/page"
	"wabl/pkg/units"
)

func testPageSize(t *testing.T) units.PageSize {
	t.Helper()
	ps, err := units.New(4096)
	if err != nil {
		t.Fatalf("units.New: %v", err)
	}
	return ps
}

func TestWriteThenReadPage(t *testing.T) {
	pageSize := testPageSize(t)
	path := filepath.Join(t.TempDir(), "store.db")

	ps, err := Open(path, pageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ps.Close()

	p := page.New(pageSize)
	buf := p.Bytes()
	for i := range buf {
		buf[i] = 0x42
	}

	if err := ps.WritePage(3, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := ps.ReadPage(3)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got.Bytes()[0] != 0x42 {
		t.Fatalf("expected 0x42, got %#x", got.Bytes()[0])
	}
}

func TestReadBeyondEndOfFileFails(t *testing.T) {
	pageSize := testPageSize(t)
	path := filepath.Join(t.TempDir(), "store.db")

	ps, err := Open(path, pageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ps.Close()

	_, err = ps.ReadPage(9)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestReadUnwrittenPageWithinExtendedFileIsZeroed(t *testing.T) {
	pageSize := testPageSize(t)
	path := filepath.Join(t.TempDir(), "store.db")

	ps, err := Open(path, pageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ps.Close()

	if err := ps.ResizeAtLeast(int64(HeaderSize) + 10*int64(pageSize.Uint32())); err != nil {
		t.Fatalf("ResizeAtLeast: %v", err)
	}

	got, err := ps.ReadPage(9)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	for i, b := range got.Bytes() {
		if b != 0 {
			t.Fatalf("expected zero-filled page, byte %d was %#x", i, b)
		}
	}
}

func TestHeaderAndPageZeroDoNotOverlap(t *testing.T) {
	pageSize := testPageSize(t)
	path := filepath.Join(t.TempDir(), "store.db")

	ps, err := Open(path, pageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ps.Close()

	p := page.New(pageSize)
	buf := p.Bytes()
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := ps.WritePage(0, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	header := make([]byte, HeaderSize)
	if _, err := ps.file.ReadAt(header, 0); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header[8] == 0xFF {
		t.Fatal("page 0 write clobbered the header region")
	}
}

func TestReopenWithDifferentPageSizeRejected(t *testing.T) {
	pageSize := testPageSize(t)
	path := filepath.Join(t.TempDir(), "store.db")

	ps, err := Open(path, pageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ps.Close()

	otherSize, err := units.New(8192)
	if err != nil {
		t.Fatalf("units.New: %v", err)
	}
	_, err = Open(path, otherSize)
	if err != ErrPageSizeMismatch {
		t.Fatalf("expected ErrPageSizeMismatch, got %v", err)
	}
}
