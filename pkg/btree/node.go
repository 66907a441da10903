// Package btree implements the index: an in-place-mutating B+tree with
// sibling-linked leaves, coupled/uncoupled cursors, and a pluggable
// key comparator (spec.md §4.5). The slotted-page encoding (header +
// pointer array + offset array + packed KV bytes) and the
// build-into-a-scratch-buffer construction style follow the teacher's
// node.go/btree.go; what changes is that a mutation is assembled into
// a scratch node and copied back into the SAME page (no new page
// allocated, no parent-chain copy-on-write rewrite) rather than the
// teacher's copy-on-write page-per-write discipline — see DESIGN.md.
package btree

import (
	"encoding/binary"

	"github.com/branchkv/branchkv/pkg/page"
)

// node header layout (little-endian):
//
//	flags        1 byte  (bit0: isLeaf)
//	_pad         1 byte
//	nkeys        2 bytes
//	leftSibling  8 bytes (leaf-only; 0 means none)
//	rightSibling 8 bytes (leaf-only; 0 means none)
const (
	nodeHeaderSize = 20
	ptrSize        = 8
	offsetSize     = 2

	flagLeaf = 1 << 0
)

// Node is a view over a byte slice interpreted as a slotted B+tree
// node: either a live page's payload (after page.HeaderSize) or a
// generously sized scratch buffer used while assembling a mutation.
type Node []byte

// NodeView returns the Node view of p's payload.
func NodeView(p *page.Page) Node { return Node(p.Payload()[page.HeaderSize:]) }

func (n Node) IsLeaf() bool { return n[0]&flagLeaf != 0 }

func (n Node) SetLeaf(leaf bool) {
	if leaf {
		n[0] |= flagLeaf
	} else {
		n[0] &^= flagLeaf
	}
}

func (n Node) NKeys() uint16     { return binary.LittleEndian.Uint16(n[2:4]) }
func (n Node) setNKeys(k uint16) { binary.LittleEndian.PutUint16(n[2:4], k) }

func (n Node) LeftSibling() uint64    { return binary.LittleEndian.Uint64(n[4:12]) }
func (n Node) SetLeftSibling(v uint64) { binary.LittleEndian.PutUint64(n[4:12], v) }
func (n Node) RightSibling() uint64    { return binary.LittleEndian.Uint64(n[12:20]) }
func (n Node) SetRightSibling(v uint64) { binary.LittleEndian.PutUint64(n[12:20], v) }

// SetHeader resets a node to an empty node of the given kind with
// nkeys key slots reserved (their ptr/offset entries are zeroed; the
// caller fills them in with AppendKV).
func (n Node) SetHeader(leaf bool, nkeys uint16) {
	for i := range n[:nodeHeaderSize] {
		n[i] = 0
	}
	n.SetLeaf(leaf)
	n.setNKeys(nkeys)
}

// Ptr returns the 8-byte value slot for key i: a child page address
// for internal nodes. Leaf nodes leave it at 0 (duplicates are
// ordered, not flagged, so no extra field is needed there).
func (n Node) Ptr(i uint16) uint64 {
	pos := nodeHeaderSize + ptrSize*int(i)
	return binary.LittleEndian.Uint64(n[pos : pos+8])
}

func (n Node) SetPtr(i uint16, v uint64) {
	pos := nodeHeaderSize + ptrSize*int(i)
	binary.LittleEndian.PutUint64(n[pos:pos+8], v)
}

func (n Node) offsetPos(i uint16) int {
	return nodeHeaderSize + ptrSize*int(n.NKeys()) + offsetSize*int(i-1)
}

func (n Node) getOffset(i uint16) uint16 {
	if i == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n[n.offsetPos(i):])
}

func (n Node) setOffset(i uint16, off uint16) {
	binary.LittleEndian.PutUint16(n[n.offsetPos(i):], off)
}

// kvPos returns the byte offset of slot i's encoded KV entry (or the
// end of the last entry, when i == NKeys()).
func (n Node) kvPos(i uint16) int {
	base := nodeHeaderSize + ptrSize*int(n.NKeys()) + offsetSize*int(n.NKeys())
	return base + int(n.getOffset(i))
}

// Key returns key i.
func (n Node) Key(i uint16) []byte {
	pos := n.kvPos(i)
	klen := binary.LittleEndian.Uint16(n[pos:])
	return n[pos+4 : pos+4+int(klen)]
}

// Value returns the value payload of leaf slot i (empty for internal nodes).
func (n Node) Value(i uint16) []byte {
	pos := n.kvPos(i)
	klen := binary.LittleEndian.Uint16(n[pos:])
	vlen := binary.LittleEndian.Uint16(n[pos+2:])
	return n[pos+4+int(klen) : pos+4+int(klen)+int(vlen)]
}

// NBytes returns the number of bytes this node currently occupies.
func (n Node) NBytes() int { return n.kvPos(n.NKeys()) }

// entrySize is the encoded size, including framing, of one node slot:
// the 8-byte ptr, 2-byte offset, and the length-prefixed KV bytes.
func entrySize(key, val []byte) int { return ptrSize + offsetSize + 4 + len(key) + len(val) }

// AppendKV writes (ptr, key, val) into slot idx of a node whose
// header NKeys has already been set large enough to include idx, and
// whose slots [0, idx) have already been appended — entries must be
// appended strictly left to right, mirroring the teacher's
// nodeAppendKV used while constructing a new node layout.
func (n Node) AppendKV(idx uint16, ptr uint64, key, val []byte) {
	n.SetPtr(idx, ptr)
	pos := n.kvPos(idx)
	binary.LittleEndian.PutUint16(n[pos:], uint16(len(key)))
	binary.LittleEndian.PutUint16(n[pos+2:], uint16(len(val)))
	copy(n[pos+4:], key)
	copy(n[pos+4+len(key):], val)
	n.setOffset(idx+1, n.getOffset(idx)+4+uint16(len(key))+uint16(len(val)))
}

// AppendRange copies slots [srcFrom, srcFrom+count) of src into n
// starting at dstFrom, preserving ptr values (child pointers or the
// unused leaf field). n's header must already reserve room for the
// destination slots.
func (n Node) AppendRange(dstFrom uint16, src Node, srcFrom, count uint16) {
	for i := uint16(0); i < count; i++ {
		n.AppendKV(dstFrom+i, src.Ptr(srcFrom+i), src.Key(srcFrom+i), src.Value(srcFrom+i))
	}
}

// LookupLE returns the last slot index whose key is <= the search
// key. For internal nodes, slot 0's key is a lower-bound placeholder
// that is never itself compared (it conceptually covers the whole key
// space below slot 1), following the teacher's nodeLookupLE
// convention; for leaf nodes every slot holds a real key and is
// compared normally so an exact match at slot 0 is still found.
func LookupLE(n Node, key []byte, cmp Comparator) uint16 {
	nk := n.NKeys()
	if nk == 0 {
		return 0
	}
	start := uint16(0)
	if !n.IsLeaf() {
		start = 1
	}
	found := uint16(0)
	for i := start; i < nk; i++ {
		if cmp.Compare(n.Key(i), key) <= 0 {
			found = i
		} else {
			break
		}
	}
	return found
}

// CopyInto writes n's in-use bytes into dst (the node region of a live
// page, as returned by NodeView) and zeroes the remainder, completing an
// in-place mutation: dst keeps its page address, so no parent pointer
// anywhere in the tree needs to change.
func (n Node) CopyInto(dst Node) {
	size := n.NBytes()
	copy(dst, n[:size])
	for i := size; i < len(dst); i++ {
		dst[i] = 0
	}
}
