package device

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestMemoryDeviceReadWrite(t *testing.T) {
	d := NewMemory()
	if _, err := d.Alloc(16); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 16)
	if err := d.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 16)
	if err := d.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %x, want %x", got, payload)
	}
	if d.IsMapped() {
		t.Fatal("memory device must report IsMapped() == false")
	}
}

func TestMemoryDeviceGrowsOnWriteBeyondSize(t *testing.T) {
	d := NewMemory()
	if err := d.WriteAt([]byte{1, 2, 3}, 10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	size, _ := d.Size()
	if size != 13 {
		t.Fatalf("size = %d, want 13", size)
	}
}

func TestFileDeviceCreateWriteReadPage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	d, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if !d.IsMapped() {
		t.Fatal("file device must report IsMapped() == true")
	}

	offset, err := d.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	payload := bytes.Repeat([]byte{0x42}, 4096)
	if err := d.WriteAt(payload, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	buf, err := d.ReadPage(offset, 4096)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !buf.IsMapped() {
		t.Fatal("expected a mapped buffer from a file device")
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("page contents mismatch")
	}
}

func TestFileDeviceOpenMissingFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "nope.db"), false); err == nil {
		t.Fatal("expected error opening a missing file")
	}
}

func TestFileDeviceReopenSeesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	d, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	offset, err := d.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	payload := bytes.Repeat([]byte{0x7}, 128)
	if err := d.WriteAt(payload, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	got := make([]byte, 128)
	if err := reopened.ReadAt(got, offset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reopened device did not see previously flushed data")
	}
}
