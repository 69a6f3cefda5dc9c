// Package pages manages the pinned page-sized buffers the connection shares
// with the host. Pages are mmap'ed on a page boundary and locked into
// memory so their bus address stays valid for the host's lifetime view.
//
// On confidential-VM platforms a shared page must be transitioned to the
// decrypted (host-visible) state before use and back before release; the
// Protector interface abstracts those transitions. When a transition fails
// the page's encryption state is unknown, and the owner must leak the page
// rather than return it to the allocator.
package pages

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/oriys/hvbus/internal/protocol"
)

// Protector toggles the encryption state of a shared buffer.
type Protector interface {
	SetDecrypted(b []byte) error
	SetEncrypted(b []byte) error
}

// NoopProtector is the Protector for platforms without isolation, where
// all memory is already host-visible.
type NoopProtector struct{}

func (NoopProtector) SetDecrypted([]byte) error { return nil }
func (NoopProtector) SetEncrypted([]byte) error { return nil }

var errFreed = errors.New("shared page already freed")

// Page is one pinned hypervisor-page-sized shared buffer.
type Page struct {
	buf []byte
}

// Alloc maps and pins one zeroed page.
func Alloc() (*Page, error) {
	buf, err := unix.Mmap(-1, 0, protocol.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	if err := unix.Mlock(buf); err != nil {
		_ = unix.Munmap(buf)
		return nil, err
	}
	return &Page{buf: buf}, nil
}

// Bytes returns the page contents. Nil after Free.
func (p *Page) Bytes() []byte { return p.buf }

// BusAddr returns the address handed to the host for this page.
func (p *Page) BusAddr() uint64 {
	if p.buf == nil {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&p.buf[0])))
}

// Zero clears the page. Required again after a decryption transition,
// which may scramble contents.
func (p *Page) Zero() {
	for i := range p.buf {
		p.buf[i] = 0
	}
}

// Free unpins and unmaps the page. The caller must not Free a page whose
// encryption state is unknown; leak it instead by dropping the reference.
func (p *Page) Free() error {
	if p.buf == nil {
		return errFreed
	}
	buf := p.buf
	p.buf = nil
	_ = unix.Munlock(buf)
	return unix.Munmap(buf)
}
