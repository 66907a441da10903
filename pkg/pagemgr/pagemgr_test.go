package pagemgr

import (
	"bytes"
	"testing"

	"github.com/branchkv/branchkv/internal/device"
	"github.com/branchkv/branchkv/pkg/page"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dev := device.NewMemory()
	return New(dev, Config{PageSize: 256, CacheSizeBytes: 256 * 4}, 0, nil, nil, nil)
}

func TestAllocAndFetchRoundTrip(t *testing.T) {
	m := newTestManager(t)

	p, err := m.Alloc(page.TypeBTreeRoot)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	payload := p.Payload()
	copy(payload[page.HeaderSize:], bytes.Repeat([]byte{0x9}, len(payload)-page.HeaderSize))
	m.Dirty(p)

	if err := m.FlushPages([]uint64{p.Address}); err != nil {
		t.Fatalf("FlushPages: %v", err)
	}

	// Evict it from the cache by re-creating a manager view is not
	// possible without persistence plumbing here; instead verify the
	// page is no longer dirty and that a refetch is served from the cache.
	if p.Dirty() {
		t.Fatal("page should be clean after flush")
	}

	fetched, err := m.Fetch(p.Address, FetchReadOnly)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fetched != p {
		t.Fatal("expected cache hit to return the same page object")
	}
}

func TestAllocMultipleContiguous(t *testing.T) {
	m := newTestManager(t)
	pages, err := m.AllocMultiple(page.TypeBlob, 3)
	if err != nil {
		t.Fatalf("AllocMultiple: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(pages))
	}
	for i, p := range pages {
		if p.Address != pages[0].Address+uint64(i) {
			t.Fatalf("page %d address = %d, want contiguous run", i, p.Address)
		}
	}
}

func TestFreeReusesViaFreelist(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Alloc(page.TypeBlob)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	addr := p.Address
	m.Free(addr)

	p2, err := m.Alloc(page.TypeBlob)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if p2.Address != addr {
		t.Fatalf("expected freed page %d to be reused, got %d", addr, p2.Address)
	}
}

func TestChangesetTracksDirtiedPages(t *testing.T) {
	m := newTestManager(t)
	m.Changeset.Clear()

	p, err := m.Alloc(page.TypeBTreeInternal)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	addrs := m.Changeset.Addrs()
	if len(addrs) != 1 || addrs[0] != p.Address {
		t.Fatalf("changeset = %+v, want [%d]", addrs, p.Address)
	}
}

func TestEncodeDecodeState(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Alloc(page.TypeBlob); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	m.Free(0)

	data := m.EncodeState()
	size, free, err := DecodeState(data)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if size != m.FileSizePages() {
		t.Fatalf("size = %d, want %d", size, m.FileSizePages())
	}
	if free.TotalPages() != m.Freelist().TotalPages() {
		t.Fatalf("freelist mismatch")
	}
}
