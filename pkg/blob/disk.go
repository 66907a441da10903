package blob

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/branchkv/branchkv/internal/codec"
	"github.com/branchkv/branchkv/internal/dberr"
	"github.com/branchkv/branchkv/pkg/page"
	"github.com/branchkv/branchkv/pkg/pagemgr"
)

// pageHeaderExtra is the blob manager's own header, written immediately
// after the generic page.HeaderSize on every page that packs small
// blobs: a bump-allocated free offset and a live-entry count. A page
// is returned to the page manager's freelist once its live count
// drops to zero (no in-page compaction, matching the lldb allocator's
// "content wiping is the caller's job" stance — see DESIGN.md).
const pageHeaderExtra = 8

// entryHeaderSize: Flags(1) + StoredSize(4) + OrigSize(4), padded to 10.
const entryHeaderSize = 10

// multiHeaderSize: Flags(1) + StoredSize(8) + OrigSize(8) + PageCount(4).
const multiHeaderSize = 21

const (
	flagCompressed = 1 << 0
	flagEncrypted  = 1 << 1
)

// DiskManager is the default, page-manager-backed Manager.
type DiskManager struct {
	pm       *pagemgr.Manager
	pageSize uint32
	comp     codec.Compressor
	enc      codec.Encryptor

	mu        sync.Mutex
	openPages []uint64 // pages known to have free space, most-recent last
}

// NewDiskManager builds a blob manager over pm. comp may be nil to
// disable compression entirely (Put's compress argument is then
// ignored). enc may be nil to run without encryption at rest
// (spec.md §6 encryption_key/is_encryption_enabled); when non-nil,
// every stored payload is sealed before allocation and opened after
// read, applied after compression so the cheaper codec still sees
// redundant plaintext rather than high-entropy ciphertext.
func NewDiskManager(pm *pagemgr.Manager, pageSize uint32, comp codec.Compressor, enc codec.Encryptor) *DiskManager {
	if comp == nil {
		comp = codec.NopCompressor{}
	}
	return &DiskManager{pm: pm, pageSize: pageSize, comp: comp, enc: enc}
}

func (d *DiskManager) pageSizeBytes() uint64 { return uint64(d.pageSize) }
func (d *DiskManager) singlePageCapacity() int {
	return int(d.pageSize) - page.HeaderSize - pageHeaderExtra
}
func (d *DiskManager) firstPageCapacity() int {
	return int(d.pageSize) - page.HeaderSize - multiHeaderSize
}

func readPageHeaderExtra(buf []byte) (freeOffset, liveCount uint32) {
	b := buf[page.HeaderSize:]
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8])
}

func writePageHeaderExtra(buf []byte, freeOffset, liveCount uint32) {
	b := buf[page.HeaderSize:]
	binary.LittleEndian.PutUint32(b[0:4], freeOffset)
	binary.LittleEndian.PutUint32(b[4:8], liveCount)
}

func (d *DiskManager) initPackedPage(p *page.Page) {
	writePageHeaderExtra(p.Payload(), uint32(page.HeaderSize+pageHeaderExtra), 0)
}

// Put stores record, compressing it first when compress is true and
// then, if this manager has an Encryptor configured, sealing the
// (possibly compressed) bytes before allocation.
func (d *DiskManager) Put(ctx context.Context, record []byte, compress bool) (uint64, error) {
	stored, flags, err := d.encode(record, compress)
	if err != nil {
		return 0, err
	}

	if entryHeaderSize+len(stored) <= d.singlePageCapacity() {
		return d.putPacked(stored, uint32(len(record)), flags)
	}
	return d.putSpan(stored, uint32(len(record)), flags)
}

// encode applies the Put/Overwrite write-side transform: compress
// (optional, per call) then seal (whenever an Encryptor is configured).
func (d *DiskManager) encode(record []byte, compress bool) ([]byte, uint8, error) {
	stored := record
	flags := uint8(0)
	if compress {
		stored = d.comp.Compress(nil, record)
		flags |= flagCompressed
	}
	if d.enc != nil {
		sealed, err := d.enc.Seal(nil, stored, nil)
		if err != nil {
			return nil, 0, dberr.New(dberr.KindIOError, "blob.Put", fmt.Errorf("seal blob: %w", err))
		}
		stored = sealed
		flags |= flagEncrypted
	}
	return stored, flags, nil
}

// decode reverses encode: open (if encrypted) then decompress (if
// compressed), returning the original record bytes.
func (d *DiskManager) decode(stored []byte, flags uint8, origSize uint32) ([]byte, error) {
	if flags&flagEncrypted != 0 {
		opened, err := d.enc.Open(nil, stored, nil)
		if err != nil {
			return nil, dberr.New(dberr.KindIntegrityViolated, "blob.Get", fmt.Errorf("open blob: %w", err))
		}
		stored = opened
	}
	if flags&flagCompressed != 0 {
		out := make([]byte, 0, origSize)
		return d.comp.Decompress(out, stored)
	}
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

func (d *DiskManager) putPacked(stored []byte, origSize uint32, flags uint8) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	need := entryHeaderSize + len(stored)

	for i, addr := range d.openPages {
		p, err := d.pm.Fetch(addr, pagemgr.FetchDefault)
		if err != nil {
			return 0, err
		}
		freeOffset, liveCount := readPageHeaderExtra(p.Payload())
		if int(freeOffset)+need <= int(d.pageSize) {
			off := d.writeEntry(p, freeOffset, stored, origSize, flags)
			writePageHeaderExtra(p.Payload(), freeOffset+uint32(need), liveCount+1)
			d.pm.Dirty(p)
			if int(freeOffset)+need+entryHeaderSize > int(d.pageSize) {
				d.openPages = append(d.openPages[:i], d.openPages[i+1:]...)
			}
			return addr*d.pageSizeBytes() + uint64(off), nil
		}
	}

	p, err := d.pm.Alloc(page.TypeBlob)
	if err != nil {
		return 0, err
	}
	d.initPackedPage(p)
	freeOffset, _ := readPageHeaderExtra(p.Payload())
	off := d.writeEntry(p, freeOffset, stored, origSize, flags)
	writePageHeaderExtra(p.Payload(), freeOffset+uint32(need), 1)
	d.pm.Dirty(p)
	if int(freeOffset)+need+entryHeaderSize <= int(d.pageSize) {
		d.openPages = append(d.openPages, p.Address)
	}
	return p.Address*d.pageSizeBytes() + uint64(off), nil
}

func (d *DiskManager) writeEntry(p *page.Page, offset uint32, stored []byte, origSize uint32, flags uint8) uint32 {
	buf := p.Payload()
	buf[offset] = flags
	binary.LittleEndian.PutUint32(buf[offset+1:offset+5], uint32(len(stored)))
	binary.LittleEndian.PutUint32(buf[offset+5:offset+9], origSize)
	copy(buf[offset+entryHeaderSize:], stored)
	return offset
}

func (d *DiskManager) putSpan(stored []byte, origSize uint32, flags uint8) (uint64, error) {
	firstCap := d.firstPageCapacity()
	remaining := len(stored) - firstCap
	n := 1
	if remaining > 0 {
		n += (remaining + int(d.pageSize) - 1) / int(d.pageSize)
	}

	pages, err := d.pm.AllocBlobSpan(n)
	if err != nil {
		return 0, err
	}
	d.writeSpan(pages, stored, origSize, flags)
	for _, p := range pages {
		d.pm.Dirty(p)
	}
	return pages[0].Address * d.pageSizeBytes(), nil
}

func (d *DiskManager) writeSpan(pages []*page.Page, stored []byte, origSize uint32, flags uint8) {
	first := pages[0].Payload()
	first[page.HeaderSize] = flags
	binary.LittleEndian.PutUint64(first[page.HeaderSize+1:page.HeaderSize+9], uint64(len(stored)))
	binary.LittleEndian.PutUint64(first[page.HeaderSize+9:page.HeaderSize+17], uint64(origSize))
	binary.LittleEndian.PutUint32(first[page.HeaderSize+17:page.HeaderSize+21], uint32(len(pages)))

	firstCap := d.firstPageCapacity()
	n := copy(first[page.HeaderSize+multiHeaderSize:], stored)
	rest := stored[n:]
	for _, p := range pages[1:] {
		taken := copy(p.Payload(), rest)
		rest = rest[taken:]
	}
	_ = firstCap
}

func (d *DiskManager) Get(ctx context.Context, id uint64) ([]byte, error) {
	pageAddr := id / d.pageSizeBytes()
	offset := id % d.pageSizeBytes()

	if offset == 0 {
		return d.getSpan(pageAddr)
	}
	return d.getPacked(pageAddr, uint32(offset))
}

func (d *DiskManager) getPacked(pageAddr uint64, offset uint32) ([]byte, error) {
	p, err := d.pm.Fetch(pageAddr, pagemgr.FetchReadOnly)
	if err != nil {
		return nil, err
	}
	buf := p.Payload()
	freeOffset, liveCount := readPageHeaderExtra(buf)
	if liveCount == 0 || offset >= freeOffset {
		return nil, dberr.ErrBlobNotFound
	}
	flags := buf[offset]
	storedSize := binary.LittleEndian.Uint32(buf[offset+1 : offset+5])
	origSize := binary.LittleEndian.Uint32(buf[offset+5 : offset+9])
	stored := buf[offset+entryHeaderSize : offset+entryHeaderSize+storedSize]
	return d.decode(stored, flags, origSize)
}

func (d *DiskManager) getSpan(pageAddr uint64) ([]byte, error) {
	p, err := d.pm.Fetch(pageAddr, pagemgr.FetchReadOnly)
	if err != nil {
		return nil, err
	}
	first := p.Payload()
	flags := first[page.HeaderSize]
	storedSize := binary.LittleEndian.Uint64(first[page.HeaderSize+1 : page.HeaderSize+9])
	origSize := binary.LittleEndian.Uint64(first[page.HeaderSize+9 : page.HeaderSize+17])
	pageCount := binary.LittleEndian.Uint32(first[page.HeaderSize+17 : page.HeaderSize+21])

	stored := make([]byte, 0, storedSize)
	stored = append(stored, first[page.HeaderSize+multiHeaderSize:]...)
	for i := uint32(1); i < pageCount; i++ {
		cp, err := d.pm.FetchRaw(pageAddr+uint64(i), pagemgr.FetchReadOnly)
		if err != nil {
			return nil, err
		}
		stored = append(stored, cp.Payload()...)
	}
	stored = stored[:storedSize]
	return d.decode(stored, flags, uint32(origSize))
}

func (d *DiskManager) Size(ctx context.Context, id uint64) (int, error) {
	record, err := d.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(record), nil
}

func (d *DiskManager) Overwrite(ctx context.Context, id uint64, record []byte, compress bool) (uint64, error) {
	stored, flags, err := d.encode(record, compress)
	if err != nil {
		return 0, err
	}

	pageAddr := id / d.pageSizeBytes()
	offset := id % d.pageSizeBytes()

	if offset == 0 {
		if fits, err := d.overwriteSpanInPlace(pageAddr, stored, uint32(len(record)), flags); err != nil {
			return 0, err
		} else if fits {
			return id, nil
		}
	} else {
		if fits, err := d.overwritePackedInPlace(pageAddr, offset, stored, uint32(len(record)), flags); err != nil {
			return 0, err
		} else if fits {
			return id, nil
		}
	}

	if err := d.Free(ctx, id); err != nil {
		return 0, err
	}
	return d.Put(ctx, record, compress)
}

func (d *DiskManager) overwritePackedInPlace(pageAddr uint64, offset uint32, stored []byte, origSize uint32, flags uint8) (bool, error) {
	p, err := d.pm.Fetch(pageAddr, pagemgr.FetchDefault)
	if err != nil {
		return false, err
	}
	buf := p.Payload()
	oldStoredSize := binary.LittleEndian.Uint32(buf[offset+1 : offset+5])
	if uint32(len(stored)) > oldStoredSize {
		return false, nil
	}
	d.writeEntry(p, offset, stored, origSize, flags)
	d.pm.Dirty(p)
	return true, nil
}

func (d *DiskManager) overwriteSpanInPlace(pageAddr uint64, stored []byte, origSize uint32, flags uint8) (bool, error) {
	p, err := d.pm.Fetch(pageAddr, pagemgr.FetchDefault)
	if err != nil {
		return false, err
	}
	first := p.Payload()
	oldPageCount := binary.LittleEndian.Uint32(first[page.HeaderSize+17 : page.HeaderSize+21])

	firstCap := d.firstPageCapacity()
	remaining := len(stored) - firstCap
	needCount := 1
	if remaining > 0 {
		needCount += (remaining + int(d.pageSize) - 1) / int(d.pageSize)
	}
	if uint32(needCount) > oldPageCount {
		return false, nil
	}

	pages := make([]*page.Page, 0, oldPageCount)
	pages = append(pages, p)
	for i := uint32(1); i < oldPageCount; i++ {
		cp, err := d.pm.FetchRaw(pageAddr+uint64(i), pagemgr.FetchDefault)
		if err != nil {
			return false, err
		}
		pages = append(pages, cp)
	}

	d.writeSpan(pages[:needCount], stored, origSize, flags)
	// writeSpan recorded len(pages[:needCount]) as the page count; restore
	// the original count so the unused trailing pages stay part of the span.
	binary.LittleEndian.PutUint32(first[page.HeaderSize+17:page.HeaderSize+21], oldPageCount)
	for _, cp := range pages {
		d.pm.Dirty(cp)
	}
	return true, nil
}

func (d *DiskManager) OverwriteRegion(ctx context.Context, id uint64, offset int, patch []byte) error {
	pageAddr := id / d.pageSizeBytes()
	inPageOffset := id % d.pageSizeBytes()

	if inPageOffset == 0 {
		return d.patchSpan(pageAddr, offset, patch)
	}
	return d.patchPacked(pageAddr, uint32(inPageOffset), offset, patch)
}

func (d *DiskManager) patchPacked(pageAddr uint64, entryOffset uint32, regionOffset int, patch []byte) error {
	p, err := d.pm.Fetch(pageAddr, pagemgr.FetchDefault)
	if err != nil {
		return err
	}
	buf := p.Payload()
	flags := buf[entryOffset]
	if flags&flagCompressed != 0 {
		return dberr.New(dberr.KindInvalidParameter, "blob.OverwriteRegion", fmt.Errorf("cannot patch a compressed blob"))
	}
	if flags&flagEncrypted != 0 {
		return dberr.New(dberr.KindInvalidParameter, "blob.OverwriteRegion", fmt.Errorf("cannot patch an encrypted blob"))
	}
	storedSize := binary.LittleEndian.Uint32(buf[entryOffset+1 : entryOffset+5])
	if regionOffset < 0 || uint32(regionOffset+len(patch)) > storedSize {
		return dberr.New(dberr.KindInvalidParameter, "blob.OverwriteRegion", fmt.Errorf("patch out of range"))
	}
	dataStart := entryOffset + entryHeaderSize + uint32(regionOffset)
	copy(buf[dataStart:], patch)
	d.pm.Dirty(p)
	return nil
}

func (d *DiskManager) patchSpan(pageAddr uint64, regionOffset int, patch []byte) error {
	p, err := d.pm.Fetch(pageAddr, pagemgr.FetchDefault)
	if err != nil {
		return err
	}
	first := p.Payload()
	flags := first[page.HeaderSize]
	if flags&flagCompressed != 0 {
		return dberr.New(dberr.KindInvalidParameter, "blob.OverwriteRegion", fmt.Errorf("cannot patch a compressed blob"))
	}
	if flags&flagEncrypted != 0 {
		return dberr.New(dberr.KindInvalidParameter, "blob.OverwriteRegion", fmt.Errorf("cannot patch an encrypted blob"))
	}
	storedSize := int(binary.LittleEndian.Uint64(first[page.HeaderSize+9 : page.HeaderSize+17]))
	pageCount := binary.LittleEndian.Uint32(first[page.HeaderSize+17 : page.HeaderSize+21])
	if regionOffset < 0 || regionOffset+len(patch) > storedSize {
		return dberr.New(dberr.KindInvalidParameter, "blob.OverwriteRegion", fmt.Errorf("patch out of range"))
	}

	firstCap := d.firstPageCapacity()
	pos := regionOffset
	remaining := patch

	if pos < firstCap {
		n := copy(first[page.HeaderSize+multiHeaderSize+pos:], remaining)
		d.pm.Dirty(p)
		remaining = remaining[n:]
		pos += n
	}
	pos -= firstCap
	pageIdx := uint32(1)
	for len(remaining) > 0 && pageIdx < pageCount {
		cp, err := d.pm.FetchRaw(pageAddr+uint64(pageIdx), pagemgr.FetchDefault)
		if err != nil {
			return err
		}
		if pos < int(d.pageSize) {
			n := copy(cp.Payload()[pos:], remaining)
			d.pm.Dirty(cp)
			remaining = remaining[n:]
			pos += n
		}
		pos -= int(d.pageSize)
		pageIdx++
	}
	return nil
}

func (d *DiskManager) Free(ctx context.Context, id uint64) error {
	pageAddr := id / d.pageSizeBytes()
	offset := id % d.pageSizeBytes()

	if offset == 0 {
		return d.freeSpan(pageAddr)
	}
	return d.freePacked(pageAddr)
}

func (d *DiskManager) freePacked(pageAddr uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.pm.Fetch(pageAddr, pagemgr.FetchDefault)
	if err != nil {
		return err
	}
	freeOffset, liveCount := readPageHeaderExtra(p.Payload())
	liveCount--
	if liveCount == 0 {
		d.initPackedPage(p)
		d.pm.Dirty(p)
		d.pm.Free(pageAddr)
		for i, a := range d.openPages {
			if a == pageAddr {
				d.openPages = append(d.openPages[:i], d.openPages[i+1:]...)
				break
			}
		}
		return nil
	}
	writePageHeaderExtra(p.Payload(), freeOffset, liveCount)
	d.pm.Dirty(p)
	return nil
}

func (d *DiskManager) freeSpan(pageAddr uint64) error {
	p, err := d.pm.Fetch(pageAddr, pagemgr.FetchReadOnly)
	if err != nil {
		return err
	}
	pageCount := binary.LittleEndian.Uint32(p.Payload()[page.HeaderSize+17 : page.HeaderSize+21])
	for i := uint32(0); i < pageCount; i++ {
		d.pm.Free(pageAddr + uint64(i))
	}
	return nil
}
