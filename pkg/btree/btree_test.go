package btree

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/branchkv/branchkv/internal/dberr"
	"github.com/branchkv/branchkv/internal/device"
	"github.com/branchkv/branchkv/pkg/blob"
	"github.com/branchkv/branchkv/pkg/pagemgr"
)

const testPageSize = 512

func newTestTree(t *testing.T) *BTree {
	t.Helper()
	dev := device.NewMemory()
	pm := pagemgr.New(dev, pagemgr.Config{PageSize: testPageSize, CacheSizeBytes: testPageSize * 4096}, 0, nil, nil, nil)
	return Open(pm, testPageSize, ByteComparator{}, 0, nil, 0, nil, nil)
}

func TestInsertAndFindSingle(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Insert([]byte("k1"), []byte("v1"), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	val, ok, err := tree.Find([]byte("k1"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !ok || !bytes.Equal(val, []byte("v1")) {
		t.Fatalf("Find = %q, %v, want v1, true", val, ok)
	}
}

func TestFindMissingKey(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Insert([]byte("a"), []byte("1"), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, ok, err := tree.Find([]byte("zzz"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestInsertUpdatesExistingKey(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Insert([]byte("k"), []byte("v1"), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert([]byte("k"), []byte("v2"), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	val, ok, err := tree.Find([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Find: %v, %v", err, ok)
	}
	if !bytes.Equal(val, []byte("v2")) {
		t.Fatalf("got %q, want v2", val)
	}
}

func TestDuplicateKeysEnumerableByCursor(t *testing.T) {
	tree := newTestTree(t)
	for i := 0; i < 3; i++ {
		if err := tree.Insert([]byte("dup"), []byte(fmt.Sprintf("v%d", i)), true); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	cur := NewCursor(tree)
	if err := cur.Seek([]byte("dup")); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	var got []string
	for cur.Valid() {
		k, err := cur.Key()
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if !bytes.Equal(k, []byte("dup")) {
			break
		}
		v, err := cur.Value()
		if err != nil {
			t.Fatalf("Value: %v", err)
		}
		got = append(got, string(v))
		if err := cur.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if len(got) != 3 {
		t.Fatalf("got %v, want 3 duplicate entries", got)
	}
}

func TestSplitAndMergeCycleWithManyKeys(t *testing.T) {
	tree := newTestTree(t)
	const n = 2000

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("val-%05d", i))
		if err := tree.Insert(key, val, false); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		want := []byte(fmt.Sprintf("val-%05d", i))
		got, ok, err := tree.Find(key)
		if err != nil || !ok {
			t.Fatalf("Find %d: %v, %v", i, err, ok)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("key %d: got %q, want %q", i, got, want)
		}
	}

	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		found, err := tree.Delete(key)
		if err != nil {
			t.Fatalf("Delete %d: %v", i, err)
		}
		if !found {
			t.Fatalf("Delete %d: not found", i)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		_, ok, err := tree.Find(key)
		if err != nil {
			t.Fatalf("Find %d: %v", i, err)
		}
		wantOK := i%2 != 0
		if ok != wantOK {
			t.Fatalf("key %d: Find ok = %v, want %v", i, ok, wantOK)
		}
	}
}

// TestAscendingInsertsBiasSplitTowardRightEdge checks that a run of
// strictly increasing keys, which always lands on the rightmost leaf,
// produces a small right sibling at each split rather than a 50/50
// split (spec.md §4.5's append-biased pivot).
func TestAscendingInsertsBiasSplitTowardRightEdge(t *testing.T) {
	tree := newTestTree(t)

	i := 0
	for {
		key := []byte(fmt.Sprintf("key-%06d", i))
		val := []byte(fmt.Sprintf("val-%06d", i))
		if err := tree.Insert(key, val, false); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		i++

		root, err := tree.fetch(tree.root, pagemgr.FetchDefault)
		if err != nil {
			t.Fatalf("fetch root: %v", err)
		}
		if NodeView(root).IsLeaf() {
			continue // root hasn't split yet
		}

		// Walk the rightmost path to the trailing leaf.
		n := NodeView(root)
		p := root
		for !n.IsLeaf() {
			addr := n.Ptr(n.NKeys() - 1)
			p, err = tree.fetch(addr, pagemgr.FetchDefault)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			n = NodeView(p)
		}
		if n.RightSibling() != 0 {
			continue // keep inserting until the trailing leaf is the actual rightmost
		}

		if got := n.NKeys(); got > 3 {
			t.Fatalf("rightmost leaf after append-heavy split has %d keys, want a small trailing leaf", got)
		}
		return
	}
}

func TestCursorForwardScanIsSorted(t *testing.T) {
	tree := newTestTree(t)
	keys := []string{"c", "a", "e", "b", "d"}
	for _, k := range keys {
		if err := tree.Insert([]byte(k), []byte(k), false); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	cur := NewCursor(tree)
	if err := cur.First(); err != nil {
		t.Fatalf("First: %v", err)
	}
	var got []string
	for cur.Valid() {
		k, err := cur.Key()
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		got = append(got, string(k))
		if err := cur.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCursorUncouplesWhenUnderlyingPageMutates(t *testing.T) {
	tree := newTestTree(t)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		if err := tree.Insert(key, key, false); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	cur := NewCursor(tree)
	if err := cur.Seek([]byte("key-010")); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	k, err := cur.Key()
	if err != nil || !bytes.Equal(k, []byte("key-010")) {
		t.Fatalf("Key = %q, %v", k, err)
	}

	// Deleting a key on the same page forces the page to be rewritten
	// in place; the cursor must still resolve to the same logical key
	// afterward rather than reading stale state.
	if _, err := tree.Delete([]byte("key-008")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	k, err = cur.Key()
	if err != nil {
		t.Fatalf("Key after mutation: %v", err)
	}
	if !bytes.Equal(k, []byte("key-010")) {
		t.Fatalf("cursor key after mutation = %q, want key-010", k)
	}
}

func TestLargeValueRoutesThroughBlobManager(t *testing.T) {
	dev := device.NewMemory()
	pm := pagemgr.New(dev, pagemgr.Config{PageSize: testPageSize, CacheSizeBytes: testPageSize * 4096}, 0, nil, nil, nil)
	blobs := blob.NewMemoryManager(nil)
	tree := Open(pm, testPageSize, ByteComparator{}, 0, blobs, 64, nil, nil)

	big := []byte(strings.Repeat("x", testPageSize*4))
	if err := tree.Insert([]byte("k1"), big, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	val, ok, err := tree.Find([]byte("k1"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !ok || !bytes.Equal(val, big) {
		t.Fatalf("Find returned %d bytes, want the original %d-byte record", len(val), len(big))
	}

	cur := NewCursor(tree)
	if err := cur.Seek([]byte("k1")); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	curVal, err := cur.Value()
	if err != nil {
		t.Fatalf("Cursor.Value: %v", err)
	}
	if !bytes.Equal(curVal, big) {
		t.Fatal("cursor value did not resolve the blob-routed record")
	}

	// Overwriting the key with a small inline value must free the old blob.
	if err := tree.Insert([]byte("k1"), []byte("small"), false); err != nil {
		t.Fatalf("Insert overwrite: %v", err)
	}
	val, ok, err = tree.Find([]byte("k1"))
	if err != nil || !ok || !bytes.Equal(val, []byte("small")) {
		t.Fatalf("Find after overwrite = %q, %v, %v", val, ok, err)
	}
}

func TestOversizedKeyIsRejectedNotTruncated(t *testing.T) {
	tree := newTestTree(t)
	hugeKey := []byte(strings.Repeat("k", testPageSize*2))
	err := tree.Insert(hugeKey, []byte("v"), false)
	if err == nil {
		t.Fatal("expected an error inserting a key that cannot fit a page")
	}
	if !dberr.Of(err, dberr.KindLimitsReached) {
		t.Fatalf("got %v, want a KindLimitsReached error", err)
	}
	if _, ok, _ := tree.Find(hugeKey); ok {
		t.Fatal("rejected insert must not have left a truncated entry behind")
	}
}

func TestUint64Comparator(t *testing.T) {
	dev := device.NewMemory()
	pm := pagemgr.New(dev, pagemgr.Config{PageSize: testPageSize, CacheSizeBytes: testPageSize * 4096}, 0, nil, nil, nil)
	tree := Open(pm, testPageSize, Uint64Comparator{}, 0, nil, 0, nil, nil)

	encode := func(v uint64) []byte {
		b := make([]byte, 8)
		for i := 7; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
		return b
	}

	for _, v := range []uint64{50, 10, 30, 20, 40} {
		if err := tree.Insert(encode(v), encode(v), false); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	_, ok, err := tree.Find(encode(30))
	if err != nil || !ok {
		t.Fatalf("Find: %v, %v", err, ok)
	}
}
