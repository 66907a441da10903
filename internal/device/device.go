// Package device is the small OS-abstraction boundary the core talks
// to for all persistent I/O: a file-backed device (mmap for reads,
// pwrite for writes, fsync for durability) and an in-memory device for
// tests and the in-process database variant (spec.md §4.1).
package device

import "github.com/branchkv/branchkv/pkg/page"

// Device is implemented by FileDevice and MemoryDevice. Every method
// operates in byte offsets except the *Page helpers, which operate in
// page units of the configured page size.
type Device interface {
	// Size returns the current logical file size in bytes.
	Size() (int64, error)

	// Truncate grows or shrinks the logical file size.
	Truncate(size int64) error

	// ReadAt reads len(buf) bytes starting at offset.
	ReadAt(buf []byte, offset int64) error

	// WriteAt writes buf starting at offset.
	WriteAt(buf []byte, offset int64) error

	// Alloc extends the logical file by n bytes and returns the
	// starting offset of the new region. The new region reads as zeros.
	Alloc(n int64) (int64, error)

	// ReadPage returns a page.Buffer for the page-sized region at
	// byte offset addr: a Mapped slice into the live mmap when the
	// device supports mapping pages directly, or an Owned copy
	// otherwise (spec.md §9 PageBuffer sum type).
	ReadPage(addr int64, size int) (page.Buffer, error)

	// IsMapped reports whether this device can return Mapped buffers
	// at all (the page manager uses this to decide whether freed
	// pages need an explicit owned copy before reuse).
	IsMapped() bool

	// Flush fsyncs any buffered writes to stable storage.
	Flush() error

	// Close releases the device's OS resources.
	Close() error
}
