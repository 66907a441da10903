package txn

import (
	"bytes"
	"testing"

	"github.com/branchkv/branchkv/internal/device"
	"github.com/branchkv/branchkv/pkg/btree"
	"github.com/branchkv/branchkv/pkg/journal"
	"github.com/branchkv/branchkv/pkg/pagemgr"
)

// countingJournal wraps a real *journal.Journal but counts
// WriteChangeset calls and remembers the last changeset it was handed,
// so tests can assert the changeset pipeline actually fired without
// re-parsing the journal's on-disk framing.
type countingJournal struct {
	*journal.Journal
	changesets    int
	lastChangeset []journal.PageImage
}

func (c *countingJournal) WriteChangeset(pages []journal.PageImage, lastBlobHint uint64) (uint64, error) {
	c.changesets++
	c.lastChangeset = pages
	return c.Journal.WriteChangeset(pages, lastBlobHint)
}

const testPageSize = 512

func newTestIndex(t *testing.T) *btree.BTree {
	t.Helper()
	dev := device.NewMemory()
	pm := pagemgr.New(dev, pagemgr.Config{PageSize: testPageSize, CacheSizeBytes: testPageSize * 4096}, 0, nil, nil, nil)
	return btree.Open(pm, testPageSize, btree.ByteComparator{}, 0, nil, 0, nil, nil)
}

func newTestManager(t *testing.T) (*Manager, *btree.BTree) {
	t.Helper()
	idx := newTestIndex(t)
	dbs := map[string]Index{"default": idx}
	return New(dbs, nil, nil, Config{}, nil, nil), idx
}

func TestCommitMergesIntoTree(t *testing.T) {
	m, idx := newTestManager(t)

	tx, err := m.Begin(false, "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Put(tx, "default", []byte("k1"), []byte("v1"), false, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, found, err := m.Get(tx, "default", []byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || !bytes.Equal(val, []byte("v1")) {
		t.Fatalf("Get within txn = %q, %v, want v1, true", val, found)
	}

	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	treeVal, ok, err := idx.Find([]byte("k1"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !ok || !bytes.Equal(treeVal, []byte("v1")) {
		t.Fatalf("tree Find = %q, %v, want v1, true", treeVal, ok)
	}
}

func TestAbortDiscardsOverlay(t *testing.T) {
	m, idx := newTestManager(t)

	tx, err := m.Begin(false, "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Put(tx, "default", []byte("k1"), []byte("v1"), false, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Abort(tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	_, ok, err := idx.Find([]byte("k1"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ok {
		t.Fatal("aborted transaction's write should not reach the tree")
	}
}

func TestCommitOrderVisibility(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.CommitFlushThreshold = 100 // keep committed txns queued, not merged

	older, err := m.Begin(false, "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Put(older, "default", []byte("k1"), []byte("from-older"), false, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Commit(older); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	newer, err := m.Begin(false, "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	val, found, err := m.Get(newer, "default", []byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || !bytes.Equal(val, []byte("from-older")) {
		t.Fatalf("Get = %q, %v, want visibility into older's committed write", val, found)
	}
}

func TestReadOnlyTxnCannotWrite(t *testing.T) {
	m, _ := newTestManager(t)
	tx, err := m.Begin(true, "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Put(tx, "default", []byte("k"), []byte("v"), false, 0); err == nil {
		t.Fatal("expected error writing through a read-only transaction")
	}
}

func TestFlushPendingDrainsQueuedCommits(t *testing.T) {
	m, idx := newTestManager(t)
	m.cfg.CommitFlushThreshold = 100

	tx, err := m.Begin(false, "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Put(tx, "default", []byte("k1"), []byte("v1"), false, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, ok, _ := idx.Find([]byte("k1")); ok {
		t.Fatal("commit below threshold should not have merged yet")
	}
	if err := m.FlushPending(); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	if _, ok, _ := idx.Find([]byte("k1")); !ok {
		t.Fatal("FlushPending should force the merge")
	}
}

func TestCommitWritesChangesetForEachMergedOp(t *testing.T) {
	dev := device.NewMemory()
	pm := pagemgr.New(dev, pagemgr.Config{PageSize: testPageSize, CacheSizeBytes: testPageSize * 4096}, 0, nil, nil, nil)
	idx := btree.Open(pm, testPageSize, btree.ByteComparator{}, 0, nil, 0, nil, nil)

	real, err := journal.Create(t.TempDir(), "test", journal.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("journal.Create: %v", err)
	}
	jnl := &countingJournal{Journal: real}

	m := New(map[string]Index{"default": idx}, jnl, pm, Config{}, nil, nil)

	tx, err := m.Begin(false, "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Put(tx, "default", []byte("k1"), []byte("v1"), false, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if jnl.changesets == 0 {
		t.Fatal("expected Commit's merge to write at least one changeset entry")
	}
	if len(jnl.lastChangeset) == 0 {
		t.Fatal("expected the changeset entry to carry the pages the insert dirtied")
	}

	val, ok, err := idx.Find([]byte("k1"))
	if err != nil || !ok || !bytes.Equal(val, []byte("v1")) {
		t.Fatalf("Find = %q, %v, %v", val, ok, err)
	}

	pm.AwaitFlush()
}
