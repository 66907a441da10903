// Package txn implements the Transaction Manager: transaction
// lifecycle, a per-transaction in-memory overlay of pending writes,
// and commit-ordered batched merge into the on-disk B+trees
// (spec.md §4.8). Grounded on the teacher's pkg/storage/transaction.go
// Begin/Commit/Abort shape, generalized from a single linear undo/redo
// log into the spec's doubly-linked list of concurrent in-flight
// transactions with commit-order visibility.
package txn

import (
	"fmt"
	"sync"

	"github.com/branchkv/branchkv/internal/dberr"
)

// State is a transaction's position in the spec.md §3 state machine:
// active -> committed or active -> aborted.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "active"
	}
}

// opKind distinguishes the two logical mutations a transaction can
// queue in its overlay.
type opKind uint8

const (
	opInsert opKind = iota
	opErase
)

type op struct {
	kind           opKind
	db             string
	key            []byte
	val            []byte
	allowDuplicate bool
}

// overlayEntry is the last pending write against one key within one
// database, as seen by reads through this transaction.
type overlayEntry struct {
	val     []byte
	deleted bool
}

// Txn is one transaction: a monotonic id, a read-only flag, and (for
// read-write transactions) an ordered log of pending writes plus a
// per-database point overlay for O(1) read-your-writes lookups
// (spec.md §3 Transaction).
type Txn struct {
	ID       uint64
	ReadOnly bool

	mgr   *Manager
	mu    sync.Mutex
	state State
	ops   []op
	// overlay[db][string(key)] is the most recent pending write
	// against that key, so Get can answer from memory without
	// replaying ops in order.
	overlay map[string]map[string]*overlayEntry

	// prev/next thread this Txn into the manager's ordered live list
	// (spec.md §3 "pointer to its position in an ordered doubly
	// linked list of live transactions").
	prev, next *Txn
}

// State reports the transaction's current lifecycle state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) requireActive(op string) error {
	if t.state != StateActive {
		return dberr.New(dberr.KindInvalidParameter, op, fmt.Errorf("txn %d is %s, not active", t.ID, t.state))
	}
	return nil
}

// Get consults the transaction's own overlay first; callers (the
// Manager, via Environment) fall through to the committed-but-not-yet-
// merged queue and then the B+tree when the overlay has no entry.
func (t *Txn) Get(db string, key []byte) (val []byte, deleted bool, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byKey := t.overlay[db]
	if byKey == nil {
		return nil, false, false
	}
	e, ok := byKey[string(key)]
	if !ok {
		return nil, false, false
	}
	return e.val, e.deleted, true
}

// Put queues an insert against db in this transaction's overlay; it
// is applied to the B+tree only once the transaction commits and the
// Manager merges it in (spec.md §4.8 "reads consult the transaction's
// in-memory overlay before falling through to the B+tree").
func (t *Txn) Put(db string, key, val []byte, allowDuplicate bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive("txn.Put"); err != nil {
		return err
	}
	t.ops = append(t.ops, op{kind: opInsert, db: db, key: key, val: val, allowDuplicate: allowDuplicate})
	t.setOverlay(db, key, &overlayEntry{val: val})
	return nil
}

// Erase queues an erase against db.
func (t *Txn) Erase(db string, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive("txn.Erase"); err != nil {
		return err
	}
	t.ops = append(t.ops, op{kind: opErase, db: db, key: key})
	t.setOverlay(db, key, &overlayEntry{deleted: true})
	return nil
}

func (t *Txn) setOverlay(db string, key []byte, e *overlayEntry) {
	if t.overlay == nil {
		t.overlay = make(map[string]map[string]*overlayEntry)
	}
	byKey := t.overlay[db]
	if byKey == nil {
		byKey = make(map[string]*overlayEntry)
		t.overlay[db] = byKey
	}
	byKey[string(key)] = e
}
