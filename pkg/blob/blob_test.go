package blob

import (
	"bytes"
	"context"
	"testing"

	"github.com/branchkv/branchkv/internal/codec"
	"github.com/branchkv/branchkv/internal/device"
	"github.com/branchkv/branchkv/pkg/pagemgr"
)

func newDiskManager(t *testing.T) *DiskManager {
	t.Helper()
	dev := device.NewMemory()
	pm := pagemgr.New(dev, pagemgr.Config{PageSize: 256, CacheSizeBytes: 256 * 64}, 0, nil, nil, nil)
	return NewDiskManager(pm, 256, codec.NopCompressor{}, nil)
}

func TestDiskManagerSmallBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newDiskManager(t)

	id, err := m.Put(ctx, []byte("hello world"), false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestDiskManagerPacksMultipleBlobsPerPage(t *testing.T) {
	ctx := context.Background()
	m := newDiskManager(t)

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := m.Put(ctx, []byte{byte(i), byte(i), byte(i)}, false)
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for i, id := range ids {
		got, err := m.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		want := []byte{byte(i), byte(i), byte(i)}
		if !bytes.Equal(got, want) {
			t.Fatalf("blob %d = %v, want %v", i, got, want)
		}
	}
}

func TestDiskManagerMultiPageBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newDiskManager(t)

	big := bytes.Repeat([]byte{0x5A}, 2000) // well beyond a 256-byte page
	id, err := m.Put(ctx, big, false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatal("multi-page blob content mismatch")
	}
}

func TestDiskManagerCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemory()
	pm := pagemgr.New(dev, pagemgr.Config{PageSize: 512, CacheSizeBytes: 512 * 64}, 0, nil, nil, nil)
	m := NewDiskManager(pm, 512, codec.SnappyCompressor{}, nil)

	payload := bytes.Repeat([]byte("compress-me "), 40)
	id, err := m.Put(ctx, payload, true)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("compressed round trip mismatch")
	}
}

func TestDiskManagerEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemory()
	pm := pagemgr.New(dev, pagemgr.Config{PageSize: 512, CacheSizeBytes: 512 * 64}, 0, nil, nil, nil)
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	enc, err := codec.NewChaChaEncryptor(key)
	if err != nil {
		t.Fatalf("NewChaChaEncryptor: %v", err)
	}
	m := NewDiskManager(pm, 512, codec.SnappyCompressor{}, enc)

	payload := bytes.Repeat([]byte("secret-bytes "), 40)
	id, err := m.Put(ctx, payload, true)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("encrypted round trip mismatch")
	}

	if err := m.OverwriteRegion(ctx, id, 0, []byte("x")); err == nil {
		t.Fatal("expected OverwriteRegion to reject an encrypted blob")
	}
}

func TestDiskManagerOverwriteShrinkInPlace(t *testing.T) {
	ctx := context.Background()
	m := newDiskManager(t)

	id, err := m.Put(ctx, []byte("a longer original value"), false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	newID, err := m.Overwrite(ctx, id, []byte("short"), false)
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if newID != id {
		t.Fatalf("expected in-place overwrite to keep id %d, got %d", id, newID)
	}
	got, err := m.Get(ctx, newID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("short")) {
		t.Fatalf("got %q, want %q", got, "short")
	}
}

func TestDiskManagerOverwriteRegionPatchesInPlace(t *testing.T) {
	ctx := context.Background()
	m := newDiskManager(t)

	id, err := m.Put(ctx, []byte("0123456789"), false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.OverwriteRegion(ctx, id, 3, []byte("XYZ")); err != nil {
		t.Fatalf("OverwriteRegion: %v", err)
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("012XYZ6789")) {
		t.Fatalf("got %q, want %q", got, "012XYZ6789")
	}
}

func TestDiskManagerFreeReclaimsPage(t *testing.T) {
	ctx := context.Background()
	m := newDiskManager(t)

	id, err := m.Put(ctx, []byte("x"), false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Free(ctx, id); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := m.Get(ctx, id); err == nil {
		t.Fatal("expected Get to fail after Free")
	}
}

func TestMemoryManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(codec.SnappyCompressor{})

	id, err := m.Put(ctx, []byte("in memory blob"), true)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("in memory blob")) {
		t.Fatalf("got %q", got)
	}
	if err := m.Free(ctx, id); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := m.Get(ctx, id); err == nil {
		t.Fatal("expected Get to fail after Free")
	}
}
