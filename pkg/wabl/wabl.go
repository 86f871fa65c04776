// pkg/wabl/wabl.go
// Package wabl composes a write-ahead log with a page store into a
// single page-oriented database: reads are satisfied from the WAL first
// and the page store second, writes land in the WAL, and a checkpoint
// folds the WAL's committed frames back into the page store.
package wabl

import (
	"fmt"
	"path/filepath"

	"wabl/pkg/indexshm"
	"wabl/pkg/page"
	"wabl/pkg/pagestore"
	"wabl/pkg/units"
	"wabl/pkg/wal"
)

// Wabl is a single page store backed by a write-ahead log, plus the
// sidecar file used to serialize writers and checkpoints.
type Wabl struct {
	store    *pagestore.PageStore
	log      *wal.WAL
	shm      *indexshm.IndexSHM
	pageSize units.PageSize
}

// Open opens (creating if necessary) the page store, write-ahead log,
// and shared-memory sidecar that together make up the database rooted
// at dir. The page store and the log must agree on pageSize; a
// pre-existing one of them with a different page size causes Open to
// fail. The sidecar stores no page size and is only grown to at least
// one page.
func Open(dir string, pageSize units.PageSize) (*Wabl, error) {
	shm, err := indexshm.Open(filepath.Join(dir, "wabl.shm"), pageSize)
	if err != nil {
		return nil, fmt.Errorf("wabl: open sidecar: %w", err)
	}

	store, err := pagestore.Open(filepath.Join(dir, "wabl.db"), pageSize)
	if err != nil {
		shm.Close()
		return nil, fmt.Errorf("wabl: open page store: %w", err)
	}

	log, err := wal.Open(filepath.Join(dir, "wabl.db-wal"), pageSize, shm)
	if err != nil {
		store.Close()
		shm.Close()
		return nil, fmt.Errorf("wabl: open log: %w", err)
	}

	return &Wabl{store: store, log: log, shm: shm, pageSize: pageSize}, nil
}

// PageSize returns the page size this database was opened with.
func (d *Wabl) PageSize() units.PageSize {
	return d.pageSize
}

// ReadWabl is a read-only transaction over the combined log and page
// store.
type ReadWabl struct {
	d     *Wabl
	inner *wal.ReadWal
}

// BeginRead starts a read transaction.
func (d *Wabl) BeginRead() (*ReadWabl, error) {
	inner, err := d.log.BeginRead()
	if err != nil {
		return nil, err
	}
	return &ReadWabl{d: d, inner: inner}, nil
}

// ReadPage returns pageNo's content, preferring a live WAL frame over
// the page store's on-disk copy.
func (r *ReadWabl) ReadPage(pageNo uint32) (*page.Page, error) {
	p, found, err := r.inner.ReadPage(pageNo)
	if err != nil {
		return nil, err
	}
	if found {
		return p, nil
	}
	return r.d.store.ReadPage(pageNo)
}

// BeginWrite upgrades this read transaction to a write transaction. See
// wal.ReadWal.BeginWrite for the locking discipline this follows.
func (r *ReadWabl) BeginWrite() (*WriteWabl, error) {
	wtx, err := r.inner.BeginWrite()
	if err != nil {
		return nil, err
	}
	return &WriteWabl{d: r.d, inner: wtx}, nil
}

// Close releases the read transaction.
func (r *ReadWabl) Close() {
	r.inner.Close()
}

// WriteWabl is a write transaction over the combined log and page
// store.
type WriteWabl struct {
	d     *Wabl
	inner *wal.WriteWal
}

// ReadPage reads pageNo, seeing this transaction's own uncommitted
// writes before falling back to the WAL and then the page store.
func (w *WriteWabl) ReadPage(pageNo uint32) (*page.Page, error) {
	p, found, err := w.inner.ReadPage(pageNo)
	if err != nil {
		return nil, err
	}
	if found {
		return p, nil
	}
	return w.d.store.ReadPage(pageNo)
}

// WritePage stages a page write, visible only within this transaction
// until Commit.
func (w *WriteWabl) WritePage(pageNo uint32, p *page.Page) error {
	return w.inner.WritePage(pageNo, p)
}

// Commit makes every staged write durable and visible to future
// transactions.
func (w *WriteWabl) Commit() error {
	return w.inner.Commit()
}

// Rollback discards every staged write.
func (w *WriteWabl) Rollback() {
	w.inner.Rollback()
}

// Checkpoint folds every committed WAL frame into the page store and
// advances the log's epoch. It acquires the same writer lock a write
// transaction does, so it never runs concurrently with one.
func (d *Wabl) Checkpoint() error {
	ckpt, err := d.log.BeginCheckpoint()
	if err != nil {
		return err
	}
	return ckpt.Apply(d.store)
}

// Close closes the log, page store, and sidecar file, in that order.
func (d *Wabl) Close() error {
	var err error
	if cerr := d.log.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := d.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := d.shm.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
