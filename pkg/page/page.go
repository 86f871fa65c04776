// pkg/page/page.go
package page

import "wabl/pkg/units"

// Page is a fixed-length byte buffer holding exactly one page's worth of
// data. It carries no type tag or metadata of its own; WAL and PageStore are
// responsible for interpreting the bytes.
type Page struct {
	buf []byte
}

// New allocates a zeroed page of the given size.
func New(size units.PageSize) *Page {
	return &Page{buf: make([]byte, size.Uint32())}
}

// FromBytes wraps an existing buffer as a page without copying. The caller
// must ensure buf is exactly one page long.
func FromBytes(buf []byte) *Page {
	return &Page{buf: buf}
}

// Bytes returns the page's underlying buffer.
func (p *Page) Bytes() []byte {
	return p.buf
}

// Len returns the page size in bytes.
func (p *Page) Len() int {
	return len(p.buf)
}
