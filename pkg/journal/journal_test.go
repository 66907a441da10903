package journal

import (
	"bytes"
	"os"
	"testing"
)

func TestEntryEncodeDecodeInsert(t *testing.T) {
	e := &Entry{
		Kind:     KindInsert,
		LSN:      42,
		TxnID:    7,
		Database: "default",
		Key:      []byte("k1"),
		Record:   []byte("v1"),
		Flags:    3,
	}
	data := e.Encode()
	got, err := DecodeEntry(data)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if got.LSN != e.LSN || got.TxnID != e.TxnID || got.Database != e.Database {
		t.Fatalf("mismatch: %+v", got)
	}
	if !bytes.Equal(got.Key, e.Key) || !bytes.Equal(got.Record, e.Record) {
		t.Fatalf("kv mismatch: %+v", got)
	}
}

func TestEntryEncodeDecodeChangeset(t *testing.T) {
	e := &Entry{
		Kind: KindChangeset,
		LSN:  9,
		Pages: []PageImage{
			{Address: 1, Data: []byte("page-one-bytes")},
			{Address: 5, Data: []byte("page-five-bytes")},
		},
		LastBlobPage: 5,
	}
	data := e.Encode()
	if len(data) < changesetTrailerSize {
		t.Fatal("expected trailer appended")
	}
	body := data[:len(data)-changesetTrailerSize]
	got, err := DecodeEntry(body)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if len(got.Pages) != 2 || got.Pages[1].Address != 5 || !bytes.Equal(got.Pages[1].Data, []byte("page-five-bytes")) {
		t.Fatalf("pages mismatch: %+v", got.Pages)
	}
	if got.LastBlobPage != 5 {
		t.Fatalf("LastBlobPage = %d, want 5", got.LastBlobPage)
	}
}

func TestDecodeEntryCorrupted(t *testing.T) {
	e := &Entry{Kind: KindTxnCommit, TxnID: 1}
	data := e.Encode()
	data[len(data)-1] ^= 0xFF // flip a CRC byte
	if _, err := DecodeEntry(data); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
}

func TestJournalBeginCommitRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j, err := Create(dir, "db", Config{RotationThreshold: 2}, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer j.Close()

	if _, err := j.Begin(1, "txn-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := j.Insert(1, "default", []byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := j.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	info, err := os.Stat(filePath(dir, "db", 0))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() <= fileHeaderSize {
		t.Fatal("expected entries flushed to file A")
	}
}

func TestJournalRotatesWhenThresholdReachedAndOtherFileClear(t *testing.T) {
	dir := t.TempDir()
	j, err := Create(dir, "db", Config{RotationThreshold: 1}, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer j.Close()

	if _, err := j.Begin(1, ""); err != nil {
		t.Fatalf("Begin 1: %v", err)
	}
	if _, err := j.Commit(1); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}
	if j.current != 0 {
		t.Fatalf("current = %d before second begin, want 0", j.current)
	}

	// File A has now begun 1 txn (>= threshold) and has no open txns,
	// so the next Begin should rotate to file B.
	if _, err := j.Begin(2, ""); err != nil {
		t.Fatalf("Begin 2: %v", err)
	}
	if j.current != 1 {
		t.Fatalf("current = %d after rotation, want 1", j.current)
	}
}

func TestJournalDoesNotRotateWhileOtherFileHasOpenTxn(t *testing.T) {
	dir := t.TempDir()
	j, err := Create(dir, "db", Config{RotationThreshold: 1}, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer j.Close()

	// A: begin+commit txn 1.
	mustBegin(t, j, 1)
	mustCommit(t, j, 1)

	// Rotates A -> B (A has no open txns). Txn 2 begins on B and is
	// left open (never committed).
	mustBegin(t, j, 2)
	if j.current != 1 {
		t.Fatalf("current = %d after first rotation, want 1 (B)", j.current)
	}

	// Rotates B -> A (B's open txn 2 doesn't block rotating AWAY from
	// it; only rotating INTO a file with open txns is forbidden).
	mustBegin(t, j, 3)
	if j.current != 0 {
		t.Fatalf("current = %d after second rotation, want 0 (A)", j.current)
	}

	// Now B (the other file) still holds open txn 2, so a further
	// rotation attempt must be refused and current must stay on A.
	mustBegin(t, j, 4)
	if j.current != 0 {
		t.Fatalf("current = %d, want 0: rotation into B should be blocked while txn 2 is open", j.current)
	}
}

func mustBegin(t *testing.T, j *Journal, txnID uint64) {
	t.Helper()
	if _, err := j.Begin(txnID, ""); err != nil {
		t.Fatalf("Begin(%d): %v", txnID, err)
	}
}

func mustCommit(t *testing.T, j *Journal, txnID uint64) {
	t.Helper()
	if _, err := j.Commit(txnID); err != nil {
		t.Fatalf("Commit(%d): %v", txnID, err)
	}
}

func TestRecoverReplaysUncommittedAsAborted(t *testing.T) {
	dir := t.TempDir()
	j, err := Create(dir, "db", Config{}, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := j.Begin(1, ""); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := j.Insert(1, "default", []byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := j.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := j.Begin(2, ""); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := j.Insert(2, "default", []byte("k2"), []byte("v2"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// txn 2 never commits or aborts before "crash".
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rep := &fakeReplayer{}
	_, result, err := Recover(dir, "db", Config{}, rep, nil, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.ReplayedCount == 0 {
		t.Fatal("expected replayed entries")
	}
	if !rep.committed[1] {
		t.Fatal("txn 1 should have been replayed as committed")
	}
	if !rep.aborted[2] {
		t.Fatal("txn 2 should have been aborted at end of recovery")
	}
	if len(rep.inserts) != 2 {
		t.Fatalf("got %d inserts, want 2", len(rep.inserts))
	}
}

type fakeReplayer struct {
	committed map[uint64]bool
	aborted   map[uint64]bool
	inserts   []string
}

func (r *fakeReplayer) ApplyPage(addr uint64, data []byte) error { return nil }

func (r *fakeReplayer) BeginTxn(txnID uint64, name string) error { return nil }

func (r *fakeReplayer) CommitTxn(txnID uint64) error {
	if r.committed == nil {
		r.committed = make(map[uint64]bool)
	}
	r.committed[txnID] = true
	return nil
}

func (r *fakeReplayer) AbortTxn(txnID uint64) error {
	if r.aborted == nil {
		r.aborted = make(map[uint64]bool)
	}
	r.aborted[txnID] = true
	return nil
}

func (r *fakeReplayer) Insert(txnID uint64, db string, key, record []byte, flags uint32) error {
	r.inserts = append(r.inserts, string(key))
	return nil
}

func (r *fakeReplayer) Erase(txnID uint64, db string, key []byte, dupIndex uint32, flags uint32) error {
	return nil
}
