package btree

import (
	"github.com/branchkv/branchkv/pkg/page"
	"github.com/branchkv/branchkv/pkg/pagemgr"
)

// cursorState mirrors spec.md §3's Cursor states.
type cursorState int

const (
	stateUnpositioned cursorState = iota
	stateCoupled                  // pinned to a specific page + slot
	stateUncoupled                // holds a private copy of its key only
)

// Cursor is a positioned read handle into a BTree. It implements
// page.Coupled so the page it is pinned to can force it to uncouple
// before an in-place mutation proceeds.
type Cursor struct {
	tree  *BTree
	state cursorState

	pageAddr uint64
	slot     uint16

	// key is populated only while uncoupled, and is compared against
	// on the next Next()/Prev() to find this cursor's logical
	// position again without holding a page pinned in the meantime.
	key []byte
}

// NewCursor creates an unpositioned cursor over tree.
func NewCursor(tree *BTree) *Cursor {
	return &Cursor{tree: tree, state: stateUnpositioned}
}

func (c *Cursor) currentPage() (*page.Page, error) {
	return c.tree.pm.Fetch(c.pageAddr, pagemgr.FetchReadOnly)
}

func (c *Cursor) couple(addr uint64, slot uint16) error {
	p, err := c.currentPageAt(addr)
	if err != nil {
		return err
	}
	if c.state == stateCoupled {
		if old, err := c.currentPageAt(c.pageAddr); err == nil {
			old.Detach(c)
		}
	}
	c.pageAddr, c.slot, c.state = addr, slot, stateCoupled
	p.Attach(c)
	return nil
}

func (c *Cursor) currentPageAt(addr uint64) (*page.Page, error) {
	return c.tree.pm.Fetch(addr, pagemgr.FetchReadOnly)
}

// Uncouple implements page.Coupled: the B+tree calls it (via
// page.Page.UncoupleAll) right before an in-place mutation of
// the page this cursor is pinned to. It copies the cursor's current
// key into private storage and drops the pin.
func (c *Cursor) Uncouple() {
	if c.state != stateCoupled {
		return
	}
	p, err := c.currentPageAt(c.pageAddr)
	if err == nil {
		n := NodeView(p)
		if c.slot < n.NKeys() {
			c.key = append([]byte(nil), n.Key(c.slot)...)
		}
	}
	c.state = stateUncoupled
}

// Close detaches the cursor from whatever page it holds.
func (c *Cursor) Close() {
	if c.state == stateCoupled {
		if p, err := c.currentPageAt(c.pageAddr); err == nil {
			p.Detach(c)
		}
	}
	c.state = stateUnpositioned
}

func (c *Cursor) Valid() bool { return c.state == stateCoupled || c.state == stateUncoupled }

// Key returns the cursor's current key, recoupling first if necessary.
func (c *Cursor) Key() ([]byte, error) {
	if err := c.ensureCoupled(); err != nil {
		return nil, err
	}
	p, err := c.currentPage()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), NodeView(p).Key(c.slot)...), nil
}

// Value returns the cursor's current value, recoupling first if necessary.
func (c *Cursor) Value() ([]byte, error) {
	if err := c.ensureCoupled(); err != nil {
		return nil, err
	}
	p, err := c.currentPage()
	if err != nil {
		return nil, err
	}
	return c.tree.decodeRecord(NodeView(p).Value(c.slot))
}

// ensureCoupled re-seeks to the cursor's last known key if it is
// currently uncoupled.
func (c *Cursor) ensureCoupled() error {
	if c.state == stateCoupled {
		return nil
	}
	if c.state == stateUnpositioned {
		return nil
	}
	return c.Seek(c.key)
}

// Seek positions the cursor at the first entry >= key. When a run of
// entries equal to key spans two leaves, the cursor lands on the first
// of them in the leaf the descent reaches.
func (c *Cursor) Seek(key []byte) error {
	t := c.tree
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root == 0 {
		c.state = stateUnpositioned
		return nil
	}

	addr := root
	for {
		p, err := t.fetch(addr, pagemgr.FetchReadOnly)
		if err != nil {
			return err
		}
		n := NodeView(p)
		if n.NKeys() == 0 {
			c.state = stateUnpositioned
			return nil
		}
		i := LookupLE(n, key, t.cmp)
		if n.IsLeaf() {
			if t.cmp.Compare(n.Key(i), key) < 0 {
				i++ // LE landed before key; the first entry >= key is next
				if i >= n.NKeys() {
					return c.seekNextLeaf(n, key)
				}
			}
			for i > 0 && t.cmp.Compare(n.Key(i-1), key) == 0 {
				i--
			}
			return c.couple(addr, i)
		}
		addr = n.Ptr(i)
	}
}

func (c *Cursor) seekNextLeaf(n Node, key []byte) error {
	next := n.RightSibling()
	if next == 0 {
		c.state = stateUnpositioned
		return nil
	}
	return c.couple(next, 0)
}

// First positions the cursor at the smallest key in the tree.
func (c *Cursor) First() error {
	t := c.tree
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root == 0 {
		c.state = stateUnpositioned
		return nil
	}
	addr := root
	for {
		p, err := t.fetch(addr, pagemgr.FetchReadOnly)
		if err != nil {
			return err
		}
		n := NodeView(p)
		if n.IsLeaf() {
			if n.NKeys() == 0 {
				c.state = stateUnpositioned
				return nil
			}
			return c.couple(addr, 0)
		}
		addr = n.Ptr(0)
	}
}

// Last positions the cursor at the largest key in the tree.
func (c *Cursor) Last() error {
	t := c.tree
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root == 0 {
		c.state = stateUnpositioned
		return nil
	}
	addr := root
	for {
		p, err := t.fetch(addr, pagemgr.FetchReadOnly)
		if err != nil {
			return err
		}
		n := NodeView(p)
		if n.IsLeaf() {
			if n.NKeys() == 0 {
				c.state = stateUnpositioned
				return nil
			}
			return c.couple(addr, n.NKeys()-1)
		}
		addr = n.Ptr(n.NKeys() - 1)
	}
}

// Next advances to the next entry in sort order.
func (c *Cursor) Next() error {
	if err := c.ensureCoupled(); err != nil {
		return err
	}
	if c.state != stateCoupled {
		return nil
	}
	p, err := c.currentPage()
	if err != nil {
		return err
	}
	n := NodeView(p)
	if c.slot+1 < n.NKeys() {
		c.slot++
		return nil
	}
	next := n.RightSibling()
	if next == 0 {
		c.Close()
		c.state = stateUnpositioned
		return nil
	}
	return c.couple(next, 0)
}

// Prev moves to the previous entry in sort order.
func (c *Cursor) Prev() error {
	if err := c.ensureCoupled(); err != nil {
		return err
	}
	if c.state != stateCoupled {
		return nil
	}
	p, err := c.currentPage()
	if err != nil {
		return err
	}
	n := NodeView(p)
	if c.slot > 0 {
		c.slot--
		return nil
	}
	prev := n.LeftSibling()
	if prev == 0 {
		c.Close()
		c.state = stateUnpositioned
		return nil
	}
	prevPage, err := c.currentPageAt(prev)
	if err != nil {
		return err
	}
	prevN := NodeView(prevPage)
	return c.couple(prev, prevN.NKeys()-1)
}
