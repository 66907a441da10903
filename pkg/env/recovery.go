package env

import (
	"fmt"

	"github.com/branchkv/branchkv/internal/dberr"
)

// Environment implements journal.Replayer so recovery can drive it
// directly without pkg/journal depending on pkg/btree or pkg/txn.
// Redo (ApplyPage, Insert, Erase) is applied unconditionally as the
// logical log is walked forward; a transaction discovered to have no
// matching commit record is then rolled back by AbortTxn using the
// per-key undo trail Insert/Erase recorded for it (spec.md §4.6 "redo
// everything, then undo whichever transactions never committed").

// ApplyPage redoes a changeset page image by writing it straight to
// the device, growing the file first if addr lies beyond its current
// size. This bypasses the page manager entirely: at the point Recover
// calls back into this method the manager's cache is still cold (see
// Open), so there is nothing stale to invalidate.
func (e *Environment) ApplyPage(addr uint64, data []byte) error {
	offset := int64(addr) * int64(e.cfg.PageSize)
	size, err := e.dev.Size()
	if err != nil {
		return err
	}
	if need := offset + int64(len(data)); need > size {
		if err := e.dev.Truncate(need); err != nil {
			return err
		}
	}
	return e.dev.WriteAt(data, offset)
}

// BeginTxn opens an undo trail for txnID and bumps the resumed id
// counter past it.
func (e *Environment) BeginTxn(txnID uint64, name string) error {
	e.recoveryUndo[txnID] = nil
	if txnID > e.highestTxnID {
		e.highestTxnID = txnID
	}
	return nil
}

// CommitTxn discards txnID's undo trail: its effects, already applied
// by Insert/Erase as the log was walked forward, stay in place.
func (e *Environment) CommitTxn(txnID uint64) error {
	delete(e.recoveryUndo, txnID)
	return nil
}

// AbortTxn rolls txnID's effects back in reverse order, restoring each
// touched key's prior value (or removing it, if the transaction was
// the one that first inserted it).
func (e *Environment) AbortTxn(txnID uint64) error {
	ops := e.recoveryUndo[txnID]
	delete(e.recoveryUndo, txnID)
	for i := len(ops) - 1; i >= 0; i-- {
		o := ops[i]
		db, ok := e.dbs[o.db]
		if !ok {
			continue
		}
		switch o.kind {
		case undoInsert:
			if o.hadPrev {
				if err := db.Tree.Insert(o.key, o.prevVal, false); err != nil {
					return err
				}
			} else if _, err := db.Tree.Delete(o.key); err != nil {
				return err
			}
		case undoErase:
			if err := db.Tree.Insert(o.key, o.prevVal, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Insert redoes an insert entry against the named database's tree,
// recording the key's prior value so AbortTxn can undo it later.
func (e *Environment) Insert(txnID uint64, dbName string, key, record []byte, flags uint32) error {
	db, ok := e.dbs[dbName]
	if !ok {
		return dberr.New(dberr.KindInvalidParameter, "env.Insert", fmt.Errorf("unknown database %q", dbName))
	}
	prevVal, found, err := db.Tree.Find(key)
	if err != nil {
		return err
	}
	if err := db.Tree.Insert(key, record, false); err != nil {
		return err
	}
	e.recoveryUndo[txnID] = append(e.recoveryUndo[txnID], undoOp{
		kind: undoInsert, db: dbName, key: append([]byte(nil), key...),
		hadPrev: found, prevVal: prevVal,
	})
	return nil
}

// Erase redoes an erase entry. A missing key is tolerated by the
// caller (pkg/journal/recovery.go ignores dberr.KindKeyNotFound here)
// since the same erase may appear applied already via a redone
// changeset.
func (e *Environment) Erase(txnID uint64, dbName string, key []byte, dupIndex uint32, flags uint32) error {
	db, ok := e.dbs[dbName]
	if !ok {
		return dberr.New(dberr.KindInvalidParameter, "env.Erase", fmt.Errorf("unknown database %q", dbName))
	}
	prevVal, found, err := db.Tree.Find(key)
	if err != nil {
		return err
	}
	if !found {
		return dberr.New(dberr.KindKeyNotFound, "env.Erase", fmt.Errorf("key %q not present during replay", key))
	}
	if _, err := db.Tree.Delete(key); err != nil {
		return err
	}
	e.recoveryUndo[txnID] = append(e.recoveryUndo[txnID], undoOp{
		kind: undoErase, db: dbName, key: append([]byte(nil), key...), prevVal: prevVal,
	})
	return nil
}
