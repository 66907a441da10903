// Package journal implements the Journal: a two-file rotating log of
// logical operations and changesets that the Transaction Manager
// writes through and recovery replays (spec.md §4.6). The entry
// framing (fixed header, trailing CRC32 word, a backward-
// scannable trailer for changesets) follows the teacher's pkg/wal
// entry encoding, generalized from a single growing file with
// size-based N-file rotation to an exactly-two-file A/B scheme keyed
// on open-transaction counts.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/branchkv/branchkv/internal/dberr"
)

// Kind identifies the six entry shapes of spec.md §4.6.
type Kind byte

const (
	KindTxnBegin Kind = iota + 1
	KindTxnCommit
	KindTxnAbort
	KindInsert
	KindErase
	KindChangeset
)

// entryHeaderSize is the fixed framing every entry carries:
// kind(1) + reserved(3) + size(4) + LSN(8) + followUp(4).
const entryHeaderSize = 20

// changesetTrailerSize is appended after a changeset entry's body so
// recovery can find the last changeset by reading backward from EOF:
// magic(4) + totalSize(4).
const changesetTrailerSize = 8

var changesetTrailerMagic = [4]byte{'c', 's', 'e', 't'}

// Entry is one journal record. Which fields are meaningful depends on
// Kind: TxnID is set for every kind except Changeset; Database/Key/
// Record/DupIndex/Flags are set for Insert/Erase; Name is set only for
// TxnBegin; Pages/LastBlobHint are set only for Changeset.
type Entry struct {
	Kind Kind
	LSN  uint64

	TxnID    uint64
	Name     string // optional, TxnBegin only
	Database string // Insert/Erase
	Key      []byte
	Record   []byte // Insert only
	DupIndex uint32 // Erase only: which duplicate to remove
	Flags    uint32

	Pages         []PageImage // Changeset only
	LastBlobPage  uint64      // Changeset only, hint for the blob manager
}

// PageImage is one (address, full page bytes) pair inside a changeset entry.
type PageImage struct {
	Address uint64
	Data    []byte
}

// Encode serializes e, including the CRC32 trailer word used to
// detect torn writes, and (for changesets) the backward-scan trailer.
func (e *Entry) Encode() []byte {
	body := e.encodeBody()

	buf := make([]byte, entryHeaderSize+len(body)+4)
	buf[0] = byte(e.Kind)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(body)))
	binary.LittleEndian.PutUint64(buf[8:16], e.LSN)
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	copy(buf[entryHeaderSize:], body)

	crc := crc32.ChecksumIEEE(buf[:entryHeaderSize+len(body)])
	binary.LittleEndian.PutUint32(buf[entryHeaderSize+len(body):], crc)

	if e.Kind != KindChangeset {
		return buf
	}

	trailer := make([]byte, changesetTrailerSize)
	copy(trailer[0:4], changesetTrailerMagic[:])
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(buf)))
	return append(buf, trailer...)
}

func (e *Entry) encodeBody() []byte {
	switch e.Kind {
	case KindTxnBegin:
		out := make([]byte, 8+2+len(e.Name))
		binary.LittleEndian.PutUint64(out[0:8], e.TxnID)
		binary.LittleEndian.PutUint16(out[8:10], uint16(len(e.Name)))
		copy(out[10:], e.Name)
		return out
	case KindTxnCommit, KindTxnAbort:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, e.TxnID)
		return out
	case KindInsert:
		return encodeKV(e.TxnID, e.Database, e.Key, e.Record, 0, e.Flags)
	case KindErase:
		return encodeKV(e.TxnID, e.Database, e.Key, nil, e.DupIndex, e.Flags)
	case KindChangeset:
		return encodeChangeset(e.Pages, e.LastBlobPage)
	default:
		return nil
	}
}

func encodeKV(txnID uint64, db string, key, val []byte, dupIndex, flags uint32) []byte {
	out := make([]byte, 8+2+len(db)+4+len(key)+4+len(val)+4+4)
	off := 0
	binary.LittleEndian.PutUint64(out[off:], txnID)
	off += 8
	binary.LittleEndian.PutUint16(out[off:], uint16(len(db)))
	off += 2
	copy(out[off:], db)
	off += len(db)
	binary.LittleEndian.PutUint32(out[off:], uint32(len(key)))
	off += 4
	copy(out[off:], key)
	off += len(key)
	binary.LittleEndian.PutUint32(out[off:], uint32(len(val)))
	off += 4
	copy(out[off:], val)
	off += len(val)
	binary.LittleEndian.PutUint32(out[off:], dupIndex)
	off += 4
	binary.LittleEndian.PutUint32(out[off:], flags)
	return out
}

func encodeChangeset(pages []PageImage, lastBlobHint uint64) []byte {
	size := 4 + 8
	for _, p := range pages {
		size += 8 + 4 + len(p.Data)
	}
	out := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(out[off:], uint32(len(pages)))
	off += 4
	binary.LittleEndian.PutUint64(out[off:], lastBlobHint)
	off += 8
	for _, p := range pages {
		binary.LittleEndian.PutUint64(out[off:], p.Address)
		off += 8
		binary.LittleEndian.PutUint32(out[off:], uint32(len(p.Data)))
		off += 4
		copy(out[off:], p.Data)
		off += len(p.Data)
	}
	return out
}

// DecodeEntry parses one entry (header + body + CRC trailer, NOT
// including the changeset backward-scan trailer) from data.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < entryHeaderSize+4 {
		return nil, dberr.New(dberr.KindInvalidFileHeader, "journal.DecodeEntry", fmt.Errorf("truncated header"))
	}
	kind := Kind(data[0])
	size := binary.LittleEndian.Uint32(data[4:8])
	lsn := binary.LittleEndian.Uint64(data[8:16])

	total := entryHeaderSize + int(size) + 4
	if len(data) < total {
		return nil, dberr.New(dberr.KindInvalidFileHeader, "journal.DecodeEntry", fmt.Errorf("truncated body"))
	}
	gotCRC := binary.LittleEndian.Uint32(data[entryHeaderSize+int(size):])
	wantCRC := crc32.ChecksumIEEE(data[:entryHeaderSize+int(size)])
	if gotCRC != wantCRC {
		return nil, dberr.New(dberr.KindIntegrityViolated, "journal.DecodeEntry", fmt.Errorf("crc mismatch"))
	}

	body := data[entryHeaderSize : entryHeaderSize+int(size)]
	e := &Entry{Kind: kind, LSN: lsn}
	if err := e.decodeBody(body); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Entry) decodeBody(body []byte) error {
	switch e.Kind {
	case KindTxnBegin:
		if len(body) < 10 {
			return dberr.New(dberr.KindInvalidFileHeader, "journal.decodeBody", fmt.Errorf("short txn-begin"))
		}
		e.TxnID = binary.LittleEndian.Uint64(body[0:8])
		nlen := binary.LittleEndian.Uint16(body[8:10])
		e.Name = string(body[10 : 10+int(nlen)])
	case KindTxnCommit, KindTxnAbort:
		if len(body) < 8 {
			return dberr.New(dberr.KindInvalidFileHeader, "journal.decodeBody", fmt.Errorf("short txn marker"))
		}
		e.TxnID = binary.LittleEndian.Uint64(body)
	case KindInsert, KindErase:
		return e.decodeKV(body)
	case KindChangeset:
		return e.decodeChangeset(body)
	}
	return nil
}

func (e *Entry) decodeKV(body []byte) error {
	off := 0
	read8 := func() uint64 { v := binary.LittleEndian.Uint64(body[off:]); off += 8; return v }
	read16 := func() uint16 { v := binary.LittleEndian.Uint16(body[off:]); off += 2; return v }
	read32 := func() uint32 { v := binary.LittleEndian.Uint32(body[off:]); off += 4; return v }

	e.TxnID = read8()
	dblen := read16()
	e.Database = string(body[off : off+int(dblen)])
	off += int(dblen)
	klen := read32()
	e.Key = append([]byte(nil), body[off:off+int(klen)]...)
	off += int(klen)
	vlen := read32()
	if vlen > 0 {
		e.Record = append([]byte(nil), body[off:off+int(vlen)]...)
	}
	off += int(vlen)
	e.DupIndex = read32()
	e.Flags = read32()
	return nil
}

func (e *Entry) decodeChangeset(body []byte) error {
	if len(body) < 12 {
		return dberr.New(dberr.KindInvalidFileHeader, "journal.decodeChangeset", fmt.Errorf("short changeset"))
	}
	off := 0
	n := binary.LittleEndian.Uint32(body[off:])
	off += 4
	e.LastBlobPage = binary.LittleEndian.Uint64(body[off:])
	off += 8
	e.Pages = make([]PageImage, n)
	for i := uint32(0); i < n; i++ {
		addr := binary.LittleEndian.Uint64(body[off:])
		off += 8
		size := binary.LittleEndian.Uint32(body[off:])
		off += 4
		e.Pages[i] = PageImage{Address: addr, Data: append([]byte(nil), body[off:off+int(size)]...)}
		off += int(size)
	}
	return nil
}
