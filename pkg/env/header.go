package env

import (
	"encoding/binary"
	"fmt"

	"github.com/branchkv/branchkv/internal/dberr"
	"github.com/branchkv/branchkv/pkg/page"
)

var headerMagic = [8]byte{'b', 'r', 'a', 'n', 'c', 'h', 'k', 'v'}

const headerFormatVersion = 1

// DatabaseKind records the node-layout family a database's B+tree was
// opened with (spec.md §4.5 "the implementation picks one per
// database based on configuration").
type DatabaseKind uint8

const (
	KindBytesComparator DatabaseKind = iota
	KindUint64Comparator
)

// dbCatalogEntry is one row of the header page's database catalogue.
type dbCatalogEntry struct {
	Name  string
	Kind  DatabaseKind
	Flags uint32
	Root  uint64
}

// fileHeader is the decoded form of page 0 (spec.md §6 "Header page").
type fileHeader struct {
	PageSize       uint32
	DefaultKeySize uint32
	Flags          uint32
	FirstStatePage uint64
	HighestTxnID   uint64
	HighestLSN     uint64
	Databases      []dbCatalogEntry
}

// encode writes h into a buffer sized exactly pageSize, past the
// generic page.HeaderSize (type/CRC/LSN) that page.Page.EncodeHeader
// owns.
func (h *fileHeader) encode(pageSize uint32) []byte {
	buf := make([]byte, pageSize)
	off := page.HeaderSize
	copy(buf[off:], headerMagic[:])
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], headerFormatVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.PageSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.DefaultKeySize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.Flags)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.FirstStatePage)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.HighestTxnID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.HighestLSN)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(h.Databases)))
	off += 4
	for _, db := range h.Databases {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(db.Name)))
		off += 2
		copy(buf[off:], db.Name)
		off += len(db.Name)
		buf[off] = byte(db.Kind)
		off++
		binary.LittleEndian.PutUint32(buf[off:], db.Flags)
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], db.Root)
		off += 8
	}
	return buf
}

func decodeFileHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < page.HeaderSize+44 {
		return nil, dberr.New(dberr.KindInvalidFileHeader, "env.decodeFileHeader", fmt.Errorf("truncated header page"))
	}
	off := page.HeaderSize
	if string(buf[off:off+8]) != string(headerMagic[:]) {
		return nil, dberr.New(dberr.KindInvalidFileHeader, "env.decodeFileHeader", fmt.Errorf("bad magic"))
	}
	off += 8
	version := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if version != headerFormatVersion {
		return nil, dberr.New(dberr.KindInvalidFileVersion, "env.decodeFileHeader", fmt.Errorf("format version %d unsupported", version))
	}
	h := &fileHeader{}
	h.PageSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.DefaultKeySize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Flags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.FirstStatePage = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.HighestTxnID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.HighestLSN = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	n := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Databases = make([]dbCatalogEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		nlen := binary.LittleEndian.Uint16(buf[off:])
		off += 2
		name := string(buf[off : off+int(nlen)])
		off += int(nlen)
		kind := DatabaseKind(buf[off])
		off++
		flags := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		root := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		h.Databases = append(h.Databases, dbCatalogEntry{Name: name, Kind: kind, Flags: flags, Root: root})
	}
	return h, nil
}
