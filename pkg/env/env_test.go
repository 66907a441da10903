package env

import (
	"bytes"
	"strings"
	"testing"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()

	e, err := Create(dir, "test", Config{PageSize: 512})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.CreateDatabase("default", KindBytesComparator); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	tx, err := e.Begin(false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Put(tx, "default", []byte("k1"), []byte("v1"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "test", Config{PageSize: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	db, ok := reopened.Database("default")
	if !ok {
		t.Fatal("expected database \"default\" to survive reopen")
	}
	val, found, err := db.Tree.Find([]byte("k1"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !found || !bytes.Equal(val, []byte("v1")) {
		t.Fatalf("Find after reopen = %q, %v, want v1, true", val, found)
	}
}

func TestTxnIDResumesAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	e, err := Create(dir, "test", Config{PageSize: 512})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.CreateDatabase("default", KindBytesComparator); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	var lastID uint64
	for i := 0; i < 3; i++ {
		tx, err := e.Begin(false)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		lastID = tx.ID
		if err := e.Commit(tx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "test", Config{PageSize: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	tx, err := reopened.Begin(false)
	if err != nil {
		t.Fatalf("Begin after reopen: %v", err)
	}
	if tx.ID <= lastID {
		t.Fatalf("txn id %d did not resume past pre-close id %d", tx.ID, lastID)
	}
}

func TestAbortedTransactionNotVisibleAfterReopen(t *testing.T) {
	dir := t.TempDir()

	e, err := Create(dir, "test", Config{PageSize: 512})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.CreateDatabase("default", KindBytesComparator); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	tx, err := e.Begin(false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Put(tx, "default", []byte("k1"), []byte("v1"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Abort(tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "test", Config{PageSize: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	db, ok := reopened.Database("default")
	if !ok {
		t.Fatal("expected database \"default\" to survive reopen")
	}
	if _, found, _ := db.Tree.Find([]byte("k1")); found {
		t.Fatal("aborted transaction's write should not survive reopen")
	}
}

// TestLargeRecordRoutesToBlobManagerAndSurvivesReopen mirrors the
// spec's end-to-end scenario of inserting a record too large to live
// inline, then overwriting it with a small one, across a close/reopen.
func TestLargeRecordRoutesToBlobManagerAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	const pageSize = 512

	e, err := Create(dir, "test", Config{PageSize: pageSize})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.CreateDatabase("default", KindBytesComparator); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	big := []byte(strings.Repeat("r", pageSize*4))

	tx, err := e.Begin(false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Put(tx, "default", []byte("k1"), big, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	val, found, err := e.Get(tx, "default", []byte("k1"))
	if err != nil || !found || !bytes.Equal(val, big) {
		t.Fatalf("Get large record = %d bytes, %v, %v, want %d bytes", len(val), found, err, len(big))
	}

	tx2, err := e.Begin(false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Put(tx2, "default", []byte("k1"), []byte("small"), false); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	if err := e.Commit(tx2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "test", Config{PageSize: pageSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	db, ok := reopened.Database("default")
	if !ok {
		t.Fatal("expected database \"default\" to survive reopen")
	}
	got, found, err := db.Tree.Find([]byte("k1"))
	if err != nil || !found || !bytes.Equal(got, []byte("small")) {
		t.Fatalf("Find after reopen = %q, %v, %v, want small, true", got, found, err)
	}
}
