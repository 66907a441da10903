package pagemgr

// Changeset is the set of page addresses dirtied since it was last
// cleared. The page manager appends to the current changeset on every
// allocation and every fetch that is not read-only; the journal reads
// it back to build a changeset record before the page manager flushes
// those pages (spec.md §4.7).
type Changeset struct {
	addrs []uint64
	seen  map[uint64]bool
}

func newChangeset() *Changeset {
	return &Changeset{seen: make(map[uint64]bool)}
}

// Add records addr in the changeset if it is not already present.
func (c *Changeset) Add(addr uint64) {
	if c.seen[addr] {
		return
	}
	c.seen[addr] = true
	c.addrs = append(c.addrs, addr)
}

// Addrs returns the dirtied addresses in the order they were first added.
func (c *Changeset) Addrs() []uint64 {
	out := make([]uint64, len(c.addrs))
	copy(out, c.addrs)
	return out
}

// Len reports how many distinct addresses are recorded.
func (c *Changeset) Len() int { return len(c.addrs) }

// Clear empties the changeset for reuse by the next transaction.
func (c *Changeset) Clear() {
	c.addrs = c.addrs[:0]
	for k := range c.seen {
		delete(c.seen, k)
	}
}
