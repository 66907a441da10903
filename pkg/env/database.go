package env

import (
	"github.com/branchkv/branchkv/pkg/blob"
	"github.com/branchkv/branchkv/pkg/btree"
)

// Database is one named B+tree index plus the blob manager its large
// values are routed through (spec.md §2 "a database is a B+tree").
type Database struct {
	Name string
	Kind DatabaseKind

	Tree  *btree.BTree
	Blobs blob.Manager
}

func comparatorFor(kind DatabaseKind) btree.Comparator {
	if kind == KindUint64Comparator {
		return btree.Uint64Comparator{}
	}
	return btree.ByteComparator{}
}
