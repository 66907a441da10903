package btree

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/branchkv/branchkv/internal/dberr"
)

// recordKind is a 1-byte prefix on every value stored in a leaf slot,
// telling Find/Cursor.Value whether the remaining bytes are the record
// itself or a blob id to resolve through the tree's blob manager
// (spec.md §3 "for a database whose records do not fit inline, the
// B+tree leaf stores the blob id", §4.5).
type recordKind byte

const (
	recordKindInline recordKind = iota
	recordKindBlob
)

// blobIDSize is the encoded width of a recordKindBlob payload.
const blobIDSize = 8

// encodeRecord wraps val in its on-leaf representation: inline bytes
// under the configured threshold, or a blob id once it is routed
// through t.blobs. A nil or not-configured blobs manager always
// inlines, matching the tree's behavior before blob routing existed.
func (t *BTree) encodeRecord(val []byte) ([]byte, error) {
	if t.blobs != nil && t.inlineThreshold > 0 && len(val) > t.inlineThreshold {
		id, err := t.blobs.Put(context.Background(), val, true)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 1+blobIDSize)
		out[0] = byte(recordKindBlob)
		binary.LittleEndian.PutUint64(out[1:], id)
		return out, nil
	}

	out := make([]byte, 1+len(val))
	out[0] = byte(recordKindInline)
	copy(out[1:], val)
	return out, nil
}

// decodeRecord reverses encodeRecord, resolving a blob id back to its
// full record. Callers (Find, Cursor.Value) receive the logical value
// a caller originally passed to Insert, regardless of how it is stored.
func (t *BTree) decodeRecord(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	switch recordKind(encoded[0]) {
	case recordKindInline:
		return append([]byte(nil), encoded[1:]...), nil
	case recordKindBlob:
		if len(encoded) < 1+blobIDSize {
			return nil, dberr.New(dberr.KindIntegrityViolated, "btree.decodeRecord", fmt.Errorf("truncated blob id"))
		}
		if t.blobs == nil {
			return nil, dberr.New(dberr.KindIntegrityViolated, "btree.decodeRecord", fmt.Errorf("blob-routed record but no blob manager configured"))
		}
		id := binary.LittleEndian.Uint64(encoded[1:])
		return t.blobs.Get(context.Background(), id)
	default:
		return nil, dberr.New(dberr.KindIntegrityViolated, "btree.decodeRecord", fmt.Errorf("unknown record kind %d", encoded[0]))
	}
}

// freeRecord releases the blob backing encoded, if any; it is a no-op
// for inline records. Called whenever a leaf slot holding encoded is
// about to be overwritten or removed, so overwriting or deleting a
// blob-routed key does not leak its blob.
func (t *BTree) freeRecord(encoded []byte) {
	if len(encoded) < 1+blobIDSize || recordKind(encoded[0]) != recordKindBlob || t.blobs == nil {
		return
	}
	id := binary.LittleEndian.Uint64(encoded[1:])
	if err := t.blobs.Free(context.Background(), id); err != nil {
		t.log.Error().Str("event", "blob_free_failed").Uint64("blob_id", id).Err(err).Msg("failed to free blob record")
	}
}
