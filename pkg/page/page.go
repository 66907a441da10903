// Package page defines the fixed-size page that backs every on-disk
// structure: the unit of caching, I/O, dirty tracking, and locking
// that the page manager, blob manager, and B+tree index all build on
// (spec.md §3 "Page", §4.2 Page Manager).
package page

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
)

// Type tags a page's persistent role. Only pages that carry a header
// (see HasHeader) are tagged; blob continuation pages are untagged.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeHeader
	TypeBTreeRoot
	TypeBTreeInternal
	TypePageManagerState
	TypeBlob
)

func (t Type) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypeBTreeRoot:
		return "btree-root"
	case TypeBTreeInternal:
		return "btree-internal"
	case TypePageManagerState:
		return "page-manager-state"
	case TypeBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// HeaderSize is the size of the persistent page header: type(1) +
// CRC32(4) + LSN(8), padded to an 8-byte boundary so the node/blob
// payload that follows stays aligned.
const HeaderSize = 16

// BufferKind distinguishes an owned allocation from a slice of a live
// mmap, the "PageBuffer = Owned(bytes) | Mapped(&mmap[range])" sum
// type called for in spec.md §9 ("never let a mapped slice outlive
// the mapping").
type BufferKind uint8

const (
	BufferOwned BufferKind = iota
	BufferMapped
)

// Buffer is the sum type itself.
type Buffer struct {
	kind BufferKind
	data []byte
}

// Owned wraps a private allocation.
func Owned(data []byte) Buffer { return Buffer{kind: BufferOwned, data: data} }

// Mapped wraps a slice into a live mmap region. The caller is
// responsible for ensuring the mapping outlives this Buffer.
func Mapped(data []byte) Buffer { return Buffer{kind: BufferMapped, data: data} }

// Bytes returns the underlying slice.
func (b Buffer) Bytes() []byte { return b.data }

// IsMapped reports whether this buffer aliases an mmap.
func (b Buffer) IsMapped() bool { return b.kind == BufferMapped }

// Coupled is implemented by anything that can be pinned against a
// page and must give up its pin before an in-place mutation proceeds
// (spec.md §9 "cursor coupling through back-pointers"). The page
// package only needs to call Uncouple; it never needs to know about
// btree.Cursor concretely, avoiding an import cycle.
type Coupled interface {
	Uncouple()
}

// Page is one fixed-size unit of I/O and caching.
type Page struct {
	Address uint64
	Size    uint32
	Type    Type
	CRC     uint32
	LSN     uint64

	// HasHeader is false for blob continuation pages, which carry no
	// persistent header of their own (spec.md §3 Page invariant).
	HasHeader bool

	mu      sync.Mutex
	buf     Buffer
	dirty   bool
	cursors []Coupled
}

// New wraps a freshly allocated or fetched buffer.
func New(addr uint64, size uint32, typ Type, buf Buffer, hasHeader bool) *Page {
	return &Page{Address: addr, Size: size, Type: typ, buf: buf, HasHeader: hasHeader}
}

// Payload returns the mutable byte slice backing this page. Callers
// that intend to mutate it must hold Lock() first if the page is
// shared with other goroutines (the page manager's spinlock covers
// cache bookkeeping only, not in-place node mutation).
func (p *Page) Payload() []byte { return p.buf.Bytes() }

// Lock/Unlock serialize flush and in-place mutation of this page's
// payload (spec.md §5: "a mutex for exclusive use during flush or
// mutation").
func (p *Page) Lock()   { p.mu.Lock() }
func (p *Page) Unlock() { p.mu.Unlock() }

// TryLock attempts to acquire the page's mutex without blocking, used
// by the async flush worker to skip pages currently busy with an
// in-place mutation rather than stalling behind them (spec.md §4.2
// "trylock the page (skipping busy pages)").
func (p *Page) TryLock() bool { return p.mu.TryLock() }

func (p *Page) Dirty() bool    { return p.dirty }
func (p *Page) MarkDirty()     { p.dirty = true }
func (p *Page) ClearDirty()    { p.dirty = false }
func (p *Page) IsMapped() bool { return p.buf.IsMapped() }

// EnsureOwned copies a mapped buffer into a private allocation before
// any in-place mutation, so a later mmap remap or munmap can never
// invalidate bytes a mutator is holding onto.
func (p *Page) EnsureOwned() {
	if p.buf.kind == BufferOwned {
		return
	}
	owned := make([]byte, len(p.buf.data))
	copy(owned, p.buf.data)
	p.buf = Owned(owned)
}

// Attach registers a coupled cursor on this page's cursor list
// (spec.md §3 Cursor invariant: "every coupled cursor appears on its
// page's cursor list").
func (p *Page) Attach(c Coupled) {
	p.cursors = append(p.cursors, c)
}

// Detach removes a single cursor from the page's cursor list.
func (p *Page) Detach(c Coupled) {
	for i, cur := range p.cursors {
		if cur == c {
			p.cursors = append(p.cursors[:i], p.cursors[i+1:]...)
			return
		}
	}
}

// Pinned reports whether any cursor currently holds this page
// coupled; pinned pages are never evicted (spec.md §4.2).
func (p *Page) Pinned() bool { return len(p.cursors) > 0 }

// UncoupleAll detaches every cursor on this page, copying each one's
// key into private storage, before an in-place mutation proceeds
// (spec.md §9: "Invalidation of all cursors on a page must
// happen before any in-place mutation of the page's payload").
func (p *Page) UncoupleAll() {
	cursors := p.cursors
	p.cursors = nil
	for _, c := range cursors {
		c.Uncouple()
	}
}

// EncodeHeader writes the persistent header (type, CRC32, LSN) at the
// start of the payload. It does not itself compute the CRC; callers
// set p.CRC from ComputeCRC32 first (or leave 0 for pages where CRC is
// disabled).
func (p *Page) EncodeHeader() {
	buf := p.buf.data
	buf[0] = byte(p.Type)
	binary.LittleEndian.PutUint32(buf[4:8], p.CRC)
	binary.LittleEndian.PutUint64(buf[8:16], p.LSN)
}

// DecodeHeader reads the persistent header from the payload.
func (p *Page) DecodeHeader() {
	buf := p.buf.data
	p.Type = Type(buf[0])
	p.CRC = binary.LittleEndian.Uint32(buf[4:8])
	p.LSN = binary.LittleEndian.Uint64(buf[8:16])
}

// ComputeCRC32 checksums everything past the header.
func (p *Page) ComputeCRC32() uint32 {
	return crc32.ChecksumIEEE(p.buf.data[HeaderSize:])
}

// VerifyCRC32 reports whether the stored CRC matches the payload.
func (p *Page) VerifyCRC32() bool {
	return p.CRC == p.ComputeCRC32()
}
