// Package freelist tracks unused page ranges as a sorted, merged set
// of (start, length) runs rather than the unrolled linked list of
// individual page numbers that copy-on-write engines use — this
// engine mutates pages in place, so whole runs are freed and reused
// together far more often than single pages (spec.md §4.3, REDESIGN
// FLAGS).
package freelist

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/branchkv/branchkv/internal/dberr"
)

// Range is a contiguous run of free pages, [Start, Start+Length).
type Range struct {
	Start  uint64
	Length uint64
}

// Freelist is an ordered, gap-merged map of free page ranges.
type Freelist struct {
	ranges []Range // sorted by Start, no two ranges touch or overlap
}

// New returns an empty freelist.
func New() *Freelist {
	return &Freelist{}
}

// Len returns the number of disjoint ranges currently tracked.
func (f *Freelist) Len() int { return len(f.ranges) }

// TotalPages returns the total number of free pages across all ranges.
func (f *Freelist) TotalPages() uint64 {
	var total uint64
	for _, r := range f.ranges {
		total += r.Length
	}
	return total
}

// Ranges returns a defensive copy of the tracked ranges, sorted by
// start address.
func (f *Freelist) Ranges() []Range {
	out := make([]Range, len(f.ranges))
	copy(out, f.ranges)
	return out
}

// indexAtOrAfter returns the first index whose Start is >= addr.
func (f *Freelist) indexAtOrAfter(addr uint64) int {
	return sort.Search(len(f.ranges), func(i int) bool {
		return f.ranges[i].Start >= addr
	})
}

// Put returns a run of n pages starting at addr to the freelist,
// merging with an adjacent run on either side when possible.
func (f *Freelist) Put(addr, n uint64) {
	if n == 0 {
		return
	}
	i := f.indexAtOrAfter(addr)

	// Merge into the preceding range if it touches addr.
	if i > 0 {
		prev := &f.ranges[i-1]
		if prev.Start+prev.Length == addr {
			prev.Length += n
			f.mergeForward(i - 1)
			return
		}
	}
	// Merge into the following range if addr's run touches it.
	if i < len(f.ranges) && addr+n == f.ranges[i].Start {
		f.ranges[i].Start = addr
		f.ranges[i].Length += n
		// Might now also touch the range before it if Put filled a
		// single-range gap exactly; re-run the backward check.
		if i > 0 && f.ranges[i-1].Start+f.ranges[i-1].Length == f.ranges[i].Start {
			f.ranges[i-1].Length += f.ranges[i].Length
			f.ranges = append(f.ranges[:i], f.ranges[i+1:]...)
		}
		return
	}

	f.ranges = append(f.ranges, Range{})
	copy(f.ranges[i+1:], f.ranges[i:])
	f.ranges[i] = Range{Start: addr, Length: n}
}

// mergeForward merges ranges[i] with ranges[i+1] if they now touch,
// and keeps merging forward (Put only ever grows ranges[i] by one
// adjacent run at a time, so at most one merge is needed in practice,
// but this stays correct if that assumption ever changes).
func (f *Freelist) mergeForward(i int) {
	for i+1 < len(f.ranges) && f.ranges[i].Start+f.ranges[i].Length == f.ranges[i+1].Start {
		f.ranges[i].Length += f.ranges[i+1].Length
		f.ranges = append(f.ranges[:i+1], f.ranges[i+2:]...)
	}
}

// Alloc finds the first run of at least n contiguous free pages,
// first-fit, and removes (or shrinks) it. It reports false if no run
// is large enough.
func (f *Freelist) Alloc(n uint64) (uint64, bool) {
	for i, r := range f.ranges {
		if r.Length >= n {
			start := r.Start
			if r.Length == n {
				f.ranges = append(f.ranges[:i], f.ranges[i+1:]...)
			} else {
				f.ranges[i].Start += n
				f.ranges[i].Length -= n
			}
			return start, true
		}
	}
	return 0, false
}

// Truncate drops (and returns the total length of) every range that
// lies at or beyond fileSizePages, so the caller can shrink the
// backing file to reclaim that space. Ranges are trimmed, not just
// dropped, when they straddle the boundary.
func (f *Freelist) Truncate(fileSizePages uint64) uint64 {
	var reclaimed uint64
	kept := f.ranges[:0]
	for _, r := range f.ranges {
		end := r.Start + r.Length
		switch {
		case r.Start >= fileSizePages:
			reclaimed += r.Length
		case end > fileSizePages:
			reclaimed += end - fileSizePages
			r.Length = fileSizePages - r.Start
			kept = append(kept, r)
		default:
			kept = append(kept, r)
		}
	}
	f.ranges = kept
	return reclaimed
}

// Check verifies the freelist invariant (sorted, disjoint, no
// touching adjacent ranges, no zero-length ranges) — used by tests
// and by recovery after decoding persisted state.
func (f *Freelist) Check() error {
	for i, r := range f.ranges {
		if r.Length == 0 {
			return fmt.Errorf("freelist: zero-length range at index %d", i)
		}
		if i > 0 {
			prev := f.ranges[i-1]
			if prev.Start+prev.Length >= r.Start {
				return fmt.Errorf("freelist: ranges %d and %d overlap or touch", i-1, i)
			}
		}
	}
	return nil
}

// EncodeState serializes the freelist as a delta-encoded stream:
// varint count, then for each range a varint gap-from-previous-end
// and a varint length. Gaps keep the encoding compact for the common
// case of a freelist with many small holes scattered through a large
// file (spec.md §4.3 persistence).
func (f *Freelist) EncodeState() []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64*(1+2*len(f.ranges)))
	var scratch [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(scratch[:], uint64(len(f.ranges)))
	buf = append(buf, scratch[:n]...)

	var prevEnd uint64
	for _, r := range f.ranges {
		gap := r.Start - prevEnd
		n = binary.PutUvarint(scratch[:], gap)
		buf = append(buf, scratch[:n]...)
		n = binary.PutUvarint(scratch[:], r.Length)
		buf = append(buf, scratch[:n]...)
		prevEnd = r.Start + r.Length
	}
	return buf
}

// DecodeState reverses EncodeState.
func DecodeState(data []byte) (*Freelist, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, dberr.New(dberr.KindInvalidFileHeader, "freelist.DecodeState", fmt.Errorf("truncated count"))
	}
	data = data[n:]

	ranges := make([]Range, 0, count)
	var prevEnd uint64
	for i := uint64(0); i < count; i++ {
		gap, gn := binary.Uvarint(data)
		if gn <= 0 {
			return nil, dberr.New(dberr.KindInvalidFileHeader, "freelist.DecodeState", fmt.Errorf("truncated gap at range %d", i))
		}
		data = data[gn:]
		length, ln := binary.Uvarint(data)
		if ln <= 0 {
			return nil, dberr.New(dberr.KindInvalidFileHeader, "freelist.DecodeState", fmt.Errorf("truncated length at range %d", i))
		}
		data = data[ln:]

		start := prevEnd + gap
		ranges = append(ranges, Range{Start: start, Length: length})
		prevEnd = start + length
	}

	f := &Freelist{ranges: ranges}
	if err := f.Check(); err != nil {
		return nil, dberr.New(dberr.KindIntegrityViolated, "freelist.DecodeState", err)
	}
	return f, nil
}
