package device

import (
	"fmt"

	"github.com/branchkv/branchkv/internal/dberr"
	"github.com/branchkv/branchkv/pkg/page"
)

// MemoryDevice backs the in-process database variant and tests: a
// plain growable byte slice, no mapping, no file. ReadPage always
// returns an Owned copy since there is no mmap to alias.
type MemoryDevice struct {
	data []byte
}

// NewMemory returns an empty in-memory device.
func NewMemory() *MemoryDevice {
	return &MemoryDevice{}
}

func (d *MemoryDevice) Size() (int64, error) { return int64(len(d.data)), nil }

func (d *MemoryDevice) Truncate(size int64) error {
	if size < 0 {
		return dberr.New(dberr.KindInvalidParameter, "memdevice.Truncate", fmt.Errorf("negative size"))
	}
	if int64(len(d.data)) >= size {
		d.data = d.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, d.data)
	d.data = grown
	return nil
}

func (d *MemoryDevice) ReadAt(buf []byte, offset int64) error {
	if offset < 0 || offset+int64(len(buf)) > int64(len(d.data)) {
		return dberr.New(dberr.KindIOError, "memdevice.ReadAt", fmt.Errorf("out of range"))
	}
	copy(buf, d.data[offset:offset+int64(len(buf))])
	return nil
}

func (d *MemoryDevice) WriteAt(buf []byte, offset int64) error {
	end := offset + int64(len(buf))
	if end > int64(len(d.data)) {
		if err := d.Truncate(end); err != nil {
			return err
		}
	}
	copy(d.data[offset:end], buf)
	return nil
}

func (d *MemoryDevice) Alloc(n int64) (int64, error) {
	start := int64(len(d.data))
	if err := d.Truncate(start + n); err != nil {
		return 0, err
	}
	return start, nil
}

func (d *MemoryDevice) ReadPage(addr int64, size int) (page.Buffer, error) {
	buf := make([]byte, size)
	if err := d.ReadAt(buf, addr); err != nil {
		return page.Buffer{}, err
	}
	return page.Owned(buf), nil
}

func (d *MemoryDevice) IsMapped() bool { return false }
func (d *MemoryDevice) Flush() error   { return nil }
func (d *MemoryDevice) Close() error   { return nil }
