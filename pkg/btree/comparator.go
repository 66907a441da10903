package btree

import (
	"bytes"
	"encoding/binary"
)

// Comparator orders keys. The tree never interprets key bytes itself;
// every ordering decision goes through this interface, so a database
// can plug in a numeric comparator for integer-typed keys instead of
// paying for a byte-wise comparison (spec.md §4.5, §9).
type Comparator interface {
	Compare(a, b []byte) int
}

// ByteComparator orders keys lexicographically, matching Go's
// bytes.Compare. It is the default for general-purpose databases.
type ByteComparator struct{}

func (ByteComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// Uint64Comparator orders keys as big-endian-encoded uint64s, for
// databases whose keys are always fixed-width numeric identifiers —
// a direct integer comparison avoids the byte-wise scan a general
// comparator would do on every descent.
type Uint64Comparator struct{}

func (Uint64Comparator) Compare(a, b []byte) int {
	av := binary.BigEndian.Uint64(a)
	bv := binary.BigEndian.Uint64(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}
