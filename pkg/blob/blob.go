// Package blob implements the Blob Manager: storage for variable-length
// records too large, or deliberately routed, to live inline in a
// B+tree leaf. A blob is identified by the address of its first page;
// single-page blobs are packed into a per-page slot freelist, and
// multi-page blobs span a contiguous run allocated from the page
// manager (spec.md §4.4). Grounded on the pack's lldb block allocator
// for the packed/compressed single-block idiom (see DESIGN.md).
package blob

import "context"

// Manager is implemented by DiskManager (backed by a page manager)
// and MemoryManager (backed by a plain map, for the in-process
// database variant).
type Manager interface {
	// Put stores record, optionally compressed, and returns its blob id.
	Put(ctx context.Context, record []byte, compress bool) (id uint64, err error)

	// Get returns the full, decompressed record for id.
	Get(ctx context.Context, id uint64) ([]byte, error)

	// Overwrite replaces the record at id with a new one, reusing the
	// existing allocation in place when it still fits and reallocating
	// otherwise. It returns the (possibly unchanged) blob id.
	Overwrite(ctx context.Context, id uint64, record []byte, compress bool) (newID uint64, err error)

	// OverwriteRegion patches a byte range of an existing, uncompressed
	// record without touching the rest of it (spec.md §4.4 "partial
	// in-place update").
	OverwriteRegion(ctx context.Context, id uint64, offset int, patch []byte) error

	// Free releases the storage held by id.
	Free(ctx context.Context, id uint64) error

	// Size returns the logical (decompressed) size of the record at id.
	Size(ctx context.Context, id uint64) (int, error)
}
