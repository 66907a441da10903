package btree

import (
	"fmt"
	"sync"

	"github.com/branchkv/branchkv/internal/dberr"
	"github.com/branchkv/branchkv/internal/logger"
	"github.com/branchkv/branchkv/internal/metrics"
	"github.com/branchkv/branchkv/pkg/blob"
	"github.com/branchkv/branchkv/pkg/page"
	"github.com/branchkv/branchkv/pkg/pagemgr"
)

// fillFactorNum/Den bias node splits to leave room for subsequent
// inserts rather than splitting exactly down the middle, the same
// 3/4-full split point the teacher's nodeSplit2 uses.
const (
	fillFactorNum = 3
	fillFactorDen = 4

	// minFillNum/Den is the proactive-merge threshold: a node at or
	// below this fraction of a page, found while descending, is
	// merged with a sibling before the descent continues when the two
	// fit one page together, so a delete never needs a second upward
	// pass. Entries are never redistributed between siblings.
	minFillNum = 1
	minFillDen = 4
)

// BTree is a single index: a root page address, a page manager to
// fetch/allocate/free pages through, and a comparator. A value longer
// than inlineThreshold is routed through blobs instead of being packed
// into the leaf directly (spec.md §3, §4.5); blobs is nil for trees
// that never route to a blob manager, in which case every value is
// stored inline regardless of size.
type BTree struct {
	pm       *pagemgr.Manager
	cmp      Comparator
	pageSize int

	blobs           blob.Manager
	inlineThreshold int

	mu   sync.RWMutex
	root uint64

	log *logger.Logger
	met *metrics.Metrics
}

// Open wraps an existing tree rooted at root (0 means empty — the
// first Insert allocates a root leaf). blobs may be nil to keep every
// record inline regardless of size; inlineThreshold is ignored in that
// case.
func Open(pm *pagemgr.Manager, pageSize int, cmp Comparator, root uint64, blobs blob.Manager, inlineThreshold int, log *logger.Logger, met *metrics.Metrics) *BTree {
	if cmp == nil {
		cmp = ByteComparator{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &BTree{pm: pm, cmp: cmp, pageSize: pageSize, root: root, blobs: blobs, inlineThreshold: inlineThreshold, log: log.Named("btree"), met: met}
}

// Root returns the current root page address (0 if the tree is empty).
func (t *BTree) Root() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

func (t *BTree) scratch() Node {
	return make(Node, 4*t.pageSize)
}

func (t *BTree) fetch(addr uint64, flags pagemgr.FetchFlags) (*page.Page, error) {
	return t.pm.Fetch(addr, flags)
}

// Find returns the value stored for key, and whether it was found. If
// the tree holds duplicates of key, Find returns the first one in
// sort order; use a Cursor to enumerate the rest. When a run of
// duplicates spans two leaves, only the part in the leaf the descent
// reaches is considered.
func (t *BTree) Find(key []byte) ([]byte, bool, error) {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root == 0 {
		return nil, false, nil
	}

	addr := root
	for {
		p, err := t.fetch(addr, pagemgr.FetchReadOnly)
		if err != nil {
			return nil, false, err
		}
		n := NodeView(p)
		if n.NKeys() == 0 {
			return nil, false, nil
		}
		i := LookupLE(n, key, t.cmp)
		if n.IsLeaf() {
			if t.cmp.Compare(n.Key(i), key) == 0 {
				for i > 0 && t.cmp.Compare(n.Key(i-1), key) == 0 {
					i--
				}
				val, err := t.decodeRecord(n.Value(i))
				if err != nil {
					return nil, false, err
				}
				return val, true, nil
			}
			return nil, false, nil
		}
		addr = n.Ptr(i)
	}
}

// Insert adds (key, val). allowDuplicate controls whether an existing
// equal key is updated in place (false) or a duplicate entry is added
// next to it in sort order (true), per spec.md §4.5 duplicate support.
func (t *BTree) Insert(key, val []byte, allowDuplicate bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	encoded, err := t.encodeRecord(val)
	if err != nil {
		return err
	}
	// A single entry that still cannot fit an empty page, even after
	// blob routing, can never be satisfied by splitting (a split only
	// redistributes existing entries across more pages); CopyInto would
	// otherwise silently truncate it into a corrupt leaf.
	if nodeHeaderSize+entrySize(key, encoded) > t.pageSize-page.HeaderSize {
		t.freeRecord(encoded)
		return dberr.New(dberr.KindLimitsReached, "btree.Insert", fmt.Errorf("key of %d bytes does not fit a %d-byte page", len(key), t.pageSize))
	}

	if t.root == 0 {
		p, err := t.pm.Alloc(page.TypeBTreeRoot)
		if err != nil {
			return err
		}
		n := NodeView(p)
		n.SetHeader(true, 0)
		t.pm.Dirty(p)
		t.root = p.Address
	}

	root, err := t.fetch(t.root, pagemgr.FetchDefault)
	if err != nil {
		return err
	}
	if err := t.splitIfFullBeforeDescend(root, key); err != nil {
		return err
	}
	if root.Address != t.root {
		t.root = root.Address
	}
	return t.insertRec(t.root, key, encoded, allowDuplicate)
}

// splitIfFullBeforeDescend checks whether the root itself needs to
// split before an insert descends into it, building a new root one
// level taller when it does.
func (t *BTree) splitIfFullBeforeDescend(root *page.Page, key []byte) error {
	n := NodeView(root)
	// Conservative upper bound on a single worst-case insert so the
	// root never overflows mid-insert: reserve room for the largest
	// entry the caller could still add one level down.
	if n.NBytes()+entrySize(nil, nil)+256 < t.pageSize {
		return nil
	}
	return t.splitFullNode(root, nil, 0, key)
}

// insertRec performs the proactive top-down insert: at each internal
// node, if the chosen child is full it is split first (so the split
// result is already reflected in the parent before descending),
// avoiding a second upward fix-up pass.
func (t *BTree) insertRec(addr uint64, key, val []byte, allowDuplicate bool) error {
	p, err := t.fetch(addr, pagemgr.FetchDefault)
	if err != nil {
		return err
	}
	n := NodeView(p)

	if n.IsLeaf() {
		return t.insertIntoLeaf(p, key, val, allowDuplicate)
	}

	i := LookupLE(n, key, t.cmp)
	childAddr := n.Ptr(i)
	child, err := t.fetch(childAddr, pagemgr.FetchDefault)
	if err != nil {
		return err
	}
	if t.nodeNeedsSplit(NodeView(child), key, val) {
		if err := t.splitFullNode(child, p, i, key); err != nil {
			return err
		}
		n = NodeView(p) // parent may have grown a slot
		i = LookupLE(n, key, t.cmp)
		childAddr = n.Ptr(i)
	}
	return t.insertRec(childAddr, key, val, allowDuplicate)
}

func (t *BTree) nodeNeedsSplit(n Node, key, val []byte) bool {
	return n.NBytes()+entrySize(key, val) > t.pageSize
}

func (t *BTree) insertIntoLeaf(p *page.Page, key, val []byte, allowDuplicate bool) error {
	n := NodeView(p)
	i := LookupLE(n, key, t.cmp)

	exact := n.NKeys() > 0 && t.cmp.Compare(n.Key(i), key) == 0
	scratch := t.scratch()

	switch {
	case exact && !allowDuplicate:
		t.freeRecord(n.Value(i))
		scratch.SetHeader(true, n.NKeys())
		scratch.AppendRange(0, n, 0, i)
		scratch.AppendKV(i, 0, key, val)
		scratch.AppendRange(i+1, n, i+1, n.NKeys()-i-1)
	case exact && allowDuplicate:
		// Insert after the run of equal keys so Find still returns
		// the first of a duplicate group and cursor order is stable.
		j := i + 1
		for j < n.NKeys() && t.cmp.Compare(n.Key(j), key) == 0 {
			j++
		}
		scratch.SetHeader(true, n.NKeys()+1)
		scratch.AppendRange(0, n, 0, j)
		scratch.AppendKV(j, 0, key, val)
		scratch.AppendRange(j+1, n, j, n.NKeys()-j)
	default:
		at := i
		if n.NKeys() > 0 && t.cmp.Compare(n.Key(i), key) < 0 {
			at = i + 1
		}
		scratch.SetHeader(true, n.NKeys()+1)
		scratch.AppendRange(0, n, 0, at)
		scratch.AppendKV(at, 0, key, val)
		scratch.AppendRange(at+1, n, at, n.NKeys()-at)
	}

	scratch.SetLeftSibling(n.LeftSibling())
	scratch.SetRightSibling(n.RightSibling())
	p.UncoupleAll()
	scratch.CopyInto(n)
	t.pm.Dirty(p)
	return nil
}

// pivotPosition chooses where a full node splits. Sequential
// insert patterns get a biased pivot near the edge that keeps
// growing, so a run of monotonically increasing (or decreasing) keys
// fills mostly-full leaves instead of leaving every split half-empty;
// this is a simplified port of upscaledb's append/prepend-aware
// pivot_position() (src/3btree/btree_update.cc), which promotes the
// bias from accumulated per-database append/prepend counters. This
// implementation derives the same bias locally, from the key that
// triggered the split and whether this leaf currently has no right
// (or left) sibling, rather than threading a running counter through
// the tree.
func (t *BTree) pivotPosition(n Node, key []byte) uint16 {
	nk := n.NKeys()

	if n.IsLeaf() && key != nil && nk > 2 {
		if n.RightSibling() == 0 && t.cmp.Compare(key, n.Key(nk-1)) > 0 {
			// Append-heavy: key extends past the current maximum and
			// this is the rightmost leaf. Pivot near the right edge so
			// the new key lands alone in a small right sibling, leaving
			// the left sibling mostly full.
			return nk - 1
		}
		if n.LeftSibling() == 0 && t.cmp.Compare(key, n.Key(0)) < 0 {
			// Prepend-heavy: symmetric case at the left edge.
			return 1
		}
	}

	splitAt := uint16(0)
	for i := uint16(0); i < nk; i++ {
		splitAt = i + 1
		if n.kvPos(splitAt) >= t.pageSize*fillFactorNum/fillFactorDen {
			break
		}
	}
	if splitAt == 0 || splitAt >= nk {
		splitAt = nk / 2
		if splitAt == 0 {
			splitAt = 1
		}
	}
	return splitAt
}

// splitFullNode splits full (the child at slot parentIdx of parent,
// or the root when parent is nil) into itself plus a new right
// sibling, and threads the new sibling into parent (or builds a new
// root when parent is nil). key is the key driving the insert that
// triggered the split (the root pre-split passes the same key); it
// feeds the append/prepend bias in pivotPosition.
func (t *BTree) splitFullNode(full *page.Page, parent *page.Page, parentIdx uint16, key []byte) error {
	n := NodeView(full)
	nk := n.NKeys()

	splitAt := t.pivotPosition(n, key)

	rightType := page.TypeBTreeInternal
	rightPage, err := t.pm.Alloc(rightType)
	if err != nil {
		return err
	}
	right := NodeView(rightPage)
	right.SetHeader(n.IsLeaf(), nk-splitAt)
	right.AppendRange(0, n, splitAt, nk-splitAt)

	left := t.scratch()
	left.SetHeader(n.IsLeaf(), splitAt)
	left.AppendRange(0, n, 0, splitAt)

	if n.IsLeaf() {
		right.SetRightSibling(n.RightSibling())
		right.SetLeftSibling(full.Address)
		left.SetRightSibling(rightPage.Address)
		left.SetLeftSibling(n.LeftSibling())
		if old := n.RightSibling(); old != 0 {
			if oldRight, err := t.fetch(old, pagemgr.FetchDefault); err == nil {
				NodeView(oldRight).SetLeftSibling(rightPage.Address)
				t.pm.Dirty(oldRight)
			}
		}
	}

	full.UncoupleAll()
	left.CopyInto(NodeView(full))
	t.pm.Dirty(full)
	t.pm.Dirty(rightPage)
	if t.met != nil {
		t.met.NodeSplitsTotal.Inc()
	}

	separator := append([]byte(nil), right.Key(0)...)

	if parent == nil {
		newRootPage, err := t.pm.Alloc(page.TypeBTreeRoot)
		if err != nil {
			return err
		}
		newRoot := NodeView(newRootPage)
		newRoot.SetHeader(false, 2)
		newRoot.AppendKV(0, full.Address, []byte{}, nil)
		newRoot.AppendKV(1, rightPage.Address, separator, nil)
		t.pm.Dirty(newRootPage)
		t.root = newRootPage.Address
		return nil
	}

	pn := NodeView(parent)
	scratch := t.scratch()
	scratch.SetHeader(false, pn.NKeys()+1)
	scratch.AppendRange(0, pn, 0, parentIdx+1)
	scratch.AppendKV(parentIdx+1, rightPage.Address, separator, nil)
	scratch.AppendRange(parentIdx+2, pn, parentIdx+1, pn.NKeys()-parentIdx-1)
	scratch.CopyInto(pn)
	t.pm.Dirty(parent)
	return nil
}

// Delete removes the first entry equal to key and reports whether one
// was found. When a run of duplicates spans two leaves, only the part
// in the leaf the descent reaches is considered.
func (t *BTree) Delete(key []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == 0 {
		return false, nil
	}
	root, err := t.fetch(t.root, pagemgr.FetchDefault)
	if err != nil {
		return false, err
	}
	found, err := t.deleteRec(root, nil, 0, key)
	if err != nil {
		return false, err
	}

	n := NodeView(root)
	if !n.IsLeaf() && n.NKeys() == 1 {
		newRoot := n.Ptr(0)
		t.pm.Free(root.Address)
		t.root = newRoot
		if t.met != nil {
			t.met.RootCollapses.Inc()
		}
	} else if n.NKeys() == 0 && n.IsLeaf() {
		// empty tree; keep the (empty) root leaf page in place
	}
	return found, nil
}

func (t *BTree) deleteRec(p *page.Page, parent *page.Page, parentIdx uint16, key []byte) (bool, error) {
	n := NodeView(p)
	i := LookupLE(n, key, t.cmp)

	if n.IsLeaf() {
		if n.NKeys() == 0 || t.cmp.Compare(n.Key(i), key) != 0 {
			return false, nil
		}
		for i > 0 && t.cmp.Compare(n.Key(i-1), key) == 0 {
			i--
		}
		t.freeRecord(n.Value(i))
		scratch := t.scratch()
		scratch.SetHeader(true, n.NKeys()-1)
		scratch.AppendRange(0, n, 0, i)
		scratch.AppendRange(i, n, i+1, n.NKeys()-i-1)
		scratch.SetLeftSibling(n.LeftSibling())
		scratch.SetRightSibling(n.RightSibling())
		p.UncoupleAll()
		scratch.CopyInto(n)
		t.pm.Dirty(p)
		return true, nil
	}

	childAddr := n.Ptr(i)
	child, err := t.fetch(childAddr, pagemgr.FetchDefault)
	if err != nil {
		return false, err
	}

	if t.nodeUnderfull(NodeView(child)) {
		if err := t.rebalanceBeforeDescend(p, i); err != nil {
			return false, err
		}
		n = NodeView(p)
		i = LookupLE(n, key, t.cmp)
		childAddr = n.Ptr(i)
		child, err = t.fetch(childAddr, pagemgr.FetchDefault)
		if err != nil {
			return false, err
		}
	}

	return t.deleteRec(child, p, i, key)
}

func (t *BTree) nodeUnderfull(n Node) bool {
	return n.NBytes() <= t.pageSize*minFillNum/minFillDen
}

// rebalanceBeforeDescend merges the underfull child at parent slot idx
// with a sibling, proactively, before the delete descends into it,
// when the two fit one page together; otherwise the child is left as
// it is (spec.md §9 "proactive merge during top-down
// traversal" redesign flag).
func (t *BTree) rebalanceBeforeDescend(parent *page.Page, idx uint16) error {
	pn := NodeView(parent)

	if idx+1 < pn.NKeys() {
		rightAddr := pn.Ptr(idx + 1)
		right, err := t.fetch(rightAddr, pagemgr.FetchDefault)
		if err != nil {
			return err
		}
		leftAddr := pn.Ptr(idx)
		left, err := t.fetch(leftAddr, pagemgr.FetchDefault)
		if err != nil {
			return err
		}
		if NodeView(left).NBytes()+NodeView(right).NBytes()-nodeHeaderSize <= t.pageSize {
			return t.mergeSiblings(parent, idx, left, right)
		}
	}
	if idx > 0 {
		leftAddr := pn.Ptr(idx - 1)
		left, err := t.fetch(leftAddr, pagemgr.FetchDefault)
		if err != nil {
			return err
		}
		right, err := t.fetch(pn.Ptr(idx), pagemgr.FetchDefault)
		if err != nil {
			return err
		}
		if NodeView(left).NBytes()+NodeView(right).NBytes()-nodeHeaderSize <= t.pageSize {
			return t.mergeSiblings(parent, idx-1, left, right)
		}
	}
	return nil
}

// mergeSiblings merges right into left (left keeps parent slot idx;
// right's slot idx+1 is removed from parent and right is freed).
func (t *BTree) mergeSiblings(parent *page.Page, idx uint16, left, right *page.Page) error {
	ln, rn := NodeView(left), NodeView(right)

	merged := t.scratch()
	merged.SetHeader(ln.IsLeaf(), ln.NKeys()+rn.NKeys())
	merged.AppendRange(0, ln, 0, ln.NKeys())
	merged.AppendRange(ln.NKeys(), rn, 0, rn.NKeys())
	if ln.IsLeaf() {
		merged.SetLeftSibling(ln.LeftSibling())
		merged.SetRightSibling(rn.RightSibling())
		if nextAddr := rn.RightSibling(); nextAddr != 0 {
			if next, err := t.fetch(nextAddr, pagemgr.FetchDefault); err == nil {
				NodeView(next).SetLeftSibling(left.Address)
				t.pm.Dirty(next)
			}
		}
	}
	left.UncoupleAll()
	right.UncoupleAll()
	merged.CopyInto(ln)
	t.pm.Dirty(left)
	t.pm.Free(right.Address)
	if t.met != nil {
		t.met.NodeMergesTotal.Inc()
	}

	pn := NodeView(parent)
	scratch := t.scratch()
	scratch.SetHeader(false, pn.NKeys()-1)
	scratch.AppendRange(0, pn, 0, idx+1)
	scratch.AppendRange(idx+1, pn, idx+2, pn.NKeys()-idx-2)
	scratch.CopyInto(pn)
	t.pm.Dirty(parent)
	return nil
}

// Close flushes nothing itself (the page manager owns durability);
// it exists so callers have a symmetric teardown point that can later
// release tree-local resources.
func (t *BTree) Close() error { return nil }

func invalidKeyErr(op string) error {
	return dberr.New(dberr.KindInvalidParameter, op, fmt.Errorf("empty key"))
}
