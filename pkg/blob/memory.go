package blob

import (
	"context"
	"errors"
	"sync"

	"github.com/branchkv/branchkv/internal/codec"
	"github.com/branchkv/branchkv/internal/dberr"
)

var (
	errNotPatchable = errors.New("blob: cannot patch a compressed record")
	errOutOfRange   = errors.New("blob: patch out of range")
)

// MemoryManager is a plain heap-backed Manager for the in-process
// database variant, where a blob id is simply a synthetic handle
// rather than a page address (spec.md §4.4 "in-memory variant has no
// page-addressed storage at all").
type MemoryManager struct {
	comp codec.Compressor

	mu      sync.Mutex
	nextID  uint64
	records map[uint64]memRecord
}

type memRecord struct {
	data       []byte
	compressed bool
	origSize   int
}

// NewMemoryManager builds an in-memory blob manager. comp may be nil.
func NewMemoryManager(comp codec.Compressor) *MemoryManager {
	if comp == nil {
		comp = codec.NopCompressor{}
	}
	return &MemoryManager{comp: comp, records: make(map[uint64]memRecord), nextID: 1}
}

func (m *MemoryManager) Put(ctx context.Context, record []byte, compress bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := memRecord{origSize: len(record)}
	if compress {
		rec.data = m.comp.Compress(nil, record)
		rec.compressed = true
	} else {
		rec.data = append([]byte(nil), record...)
	}
	id := m.nextID
	m.nextID++
	m.records[id] = rec
	return id, nil
}

func (m *MemoryManager) Get(ctx context.Context, id uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, dberr.ErrBlobNotFound
	}
	if rec.compressed {
		return m.comp.Decompress(make([]byte, 0, rec.origSize), rec.data)
	}
	out := make([]byte, len(rec.data))
	copy(out, rec.data)
	return out, nil
}

func (m *MemoryManager) Size(ctx context.Context, id uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return 0, dberr.ErrBlobNotFound
	}
	return rec.origSize, nil
}

func (m *MemoryManager) Overwrite(ctx context.Context, id uint64, record []byte, compress bool) (uint64, error) {
	m.mu.Lock()
	if _, ok := m.records[id]; !ok {
		m.mu.Unlock()
		return 0, dberr.ErrBlobNotFound
	}
	m.mu.Unlock()

	if err := m.Free(ctx, id); err != nil {
		return 0, err
	}
	return m.Put(ctx, record, compress)
}

func (m *MemoryManager) OverwriteRegion(ctx context.Context, id uint64, offset int, patch []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return dberr.ErrBlobNotFound
	}
	if rec.compressed {
		return dberr.New(dberr.KindInvalidParameter, "blob.OverwriteRegion", errNotPatchable)
	}
	if offset < 0 || offset+len(patch) > len(rec.data) {
		return dberr.New(dberr.KindInvalidParameter, "blob.OverwriteRegion", errOutOfRange)
	}
	copy(rec.data[offset:], patch)
	return nil
}

func (m *MemoryManager) Free(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return dberr.ErrBlobNotFound
	}
	delete(m.records, id)
	return nil
}
