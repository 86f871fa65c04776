// pkg/wal/wal_test.go
package wal

import (
	"os"
	"path/filepath"
	"testing"

	"wabl/pkg/indexshm"
	"wabl/pkg/page"
	"wabl/pkg/units"
)

func openTestWAL(t *testing.T, dir string) (*WAL, *indexshm.IndexSHM) {
	t.Helper()
	pageSize, err := units.New(4096)
	if err != nil {
		t.Fatalf("units.New: %v", err)
	}
	shm, err := indexshm.Open(filepath.Join(dir, "test.shm"), pageSize)
	if err != nil {
		t.Fatalf("indexshm.Open: %v", err)
	}
	w, err := Open(filepath.Join(dir, "test.wal"), pageSize, shm)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	return w, shm
}

func beginRead(t *testing.T, w *WAL) *ReadWal {
	t.Helper()
	rtx, err := w.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	return rtx
}

func beginWrite(t *testing.T, w *WAL) *WriteWal {
	t.Helper()
	wtx, err := beginRead(t, w).BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	return wtx
}

func pageOf(t *testing.T, pageSize units.PageSize, fill byte) *page.Page {
	t.Helper()
	p := page.New(pageSize)
	buf := p.Bytes()
	for i := range buf {
		buf[i] = fill
	}
	return p
}

func TestReadUnwrittenPageSucceeds(t *testing.T) {
	dir := t.TempDir()
	w, shm := openTestWAL(t, dir)
	defer w.Close()
	defer shm.Close()

	tx := beginRead(t, w)
	defer tx.Close()
	if _, _, err := tx.ReadPage(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCommitMakesPageVisibleToNewReaders(t *testing.T) {
	dir := t.TempDir()
	w, shm := openTestWAL(t, dir)
	defer w.Close()
	defer shm.Close()

	wtx := beginWrite(t, w)
	p := pageOf(t, w.PageSize(), 0xAB)
	if err := wtx.WritePage(7, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx := beginRead(t, w)
	defer rtx.Close()
	got, found, err := rtx.ReadPage(7)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !found {
		t.Fatal("expected page 7 to be found after commit")
	}
	if got.Bytes()[0] != 0xAB {
		t.Fatalf("expected page content 0xAB, got %#x", got.Bytes()[0])
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	dir := t.TempDir()
	w, shm := openTestWAL(t, dir)
	defer w.Close()
	defer shm.Close()

	wtx := beginWrite(t, w)
	p := pageOf(t, w.PageSize(), 0xCD)
	if err := wtx.WritePage(3, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	wtx.Rollback()

	rtx := beginRead(t, w)
	defer rtx.Close()
	_, found, err := rtx.ReadPage(3)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if found {
		t.Fatal("expected page 3 to be absent after rollback")
	}
}

func TestUncommittedWriteInvisibleToOtherReader(t *testing.T) {
	dir := t.TempDir()
	w, shm := openTestWAL(t, dir)
	defer w.Close()
	defer shm.Close()

	wtx := beginWrite(t, w)
	p := pageOf(t, w.PageSize(), 0x11)
	if err := wtx.WritePage(5, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	rtx := beginRead(t, w)
	_, found, err := rtx.ReadPage(5)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if found {
		t.Fatal("expected uncommitted write to be invisible to a concurrent reader")
	}
	rtx.Close()

	wtx.Rollback()
}

func TestConsumedTransactionRejectsReuse(t *testing.T) {
	dir := t.TempDir()
	w, shm := openTestWAL(t, dir)
	defer w.Close()
	defer shm.Close()

	rtx := beginRead(t, w)
	wtx, err := rtx.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if _, _, err := rtx.ReadPage(1); err != ErrLogic {
		t.Fatalf("expected ErrLogic reading from a spent ReadWal, got %v", err)
	}
	wtx.Rollback()

	if _, _, err := wtx.ReadPage(1); err != ErrLogic {
		t.Fatalf("expected ErrLogic reading from a spent WriteWal, got %v", err)
	}
	if err := wtx.WritePage(1, pageOf(t, w.PageSize(), 0)); err != ErrLogic {
		t.Fatalf("expected ErrLogic writing to a spent WriteWal, got %v", err)
	}
}

func TestRecoveryStopsAtTornFrame(t *testing.T) {
	dir := t.TempDir()
	w, shm := openTestWAL(t, dir)

	wtx := beginWrite(t, w)
	if err := wtx.WritePage(1, pageOf(t, w.PageSize(), 0x01)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	w.Close()
	shm.Close()

	path := filepath.Join(dir, "test.wal")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-4); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	pageSize, _ := units.New(4096)
	shm2, err := indexshm.Open(filepath.Join(dir, "test.shm"), pageSize)
	if err != nil {
		t.Fatalf("reopen shm: %v", err)
	}
	defer shm2.Close()
	w2, err := Open(path, pageSize, shm2)
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer w2.Close()

	rtx2 := beginRead(t, w2)
	defer rtx2.Close()
	_, found, err := rtx2.ReadPage(1)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if found {
		t.Fatal("expected truncated trailing frame to be ignored by recovery")
	}
}

func TestReopenWithDifferentPageSizeRejected(t *testing.T) {
	dir := t.TempDir()
	w, shm := openTestWAL(t, dir)
	w.Close()
	shm.Close()

	origSize, err := units.New(4096)
	if err != nil {
		t.Fatalf("units.New: %v", err)
	}
	shm2, err := indexshm.Open(filepath.Join(dir, "test.shm"), origSize)
	if err != nil {
		t.Fatalf("reopen shm: %v", err)
	}
	defer shm2.Close()

	otherSize, err := units.New(8192)
	if err != nil {
		t.Fatalf("units.New: %v", err)
	}
	_, err = Open(filepath.Join(dir, "test.wal"), otherSize, shm2)
	if err != ErrPageSizeMismatch {
		t.Fatalf("expected ErrPageSizeMismatch, got %v", err)
	}
}

// TestCheckpointAfterCommitSucceeds relates to the "at most one
// WriteWal or Checkpoint" invariant: once a writer holds the IndexSHM
// lock, BeginCheckpoint on another WAL handle sharing the same sidecar
// must block. Since that would deadlock a single-goroutine test, this
// instead verifies the invariant's inverse: after the writer commits and
// releases the lock, a checkpoint proceeds immediately.
func TestCheckpointAfterCommitSucceeds(t *testing.T) {
	dir := t.TempDir()
	w, shm := openTestWAL(t, dir)
	defer w.Close()
	defer shm.Close()

	wtx := beginWrite(t, w)
	if err := wtx.WritePage(9, pageOf(t, w.PageSize(), 0x42)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	cp, err := w.BeginCheckpoint()
	if err != nil {
		t.Fatalf("BeginCheckpoint: %v", err)
	}
	dst := newFakePageWriter()
	if err := cp.Apply(dst); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := dst.pages[9]; got[0] != 0x42 {
		t.Fatalf("expected checkpointed page content 0x42, got %#x", got[0])
	}
	if w.Epoch() != 1 {
		t.Fatalf("expected epoch to advance to 1, got %d", w.Epoch())
	}

	rtx := beginRead(t, w)
	defer rtx.Close()
	_, found, err := rtx.ReadPage(9)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if found {
		t.Fatal("expected checkpointed page to no longer be live in the new epoch")
	}
}

type fakePageWriter struct {
	pages map[uint32][]byte
}

func newFakePageWriter() *fakePageWriter {
	return &fakePageWriter{pages: make(map[uint32][]byte)}
}

func (f *fakePageWriter) WritePage(pageNo uint32, p *page.Page) error {
	buf := make([]byte, p.Len())
	copy(buf, p.Bytes())
	f.pages[pageNo] = buf
	return nil
}

func (f *fakePageWriter) Sync() error { return nil }
