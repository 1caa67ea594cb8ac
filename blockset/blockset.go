// Package blockset implements BlockSet, a canonical representation of a
// finite set of block indices as a sorted sequence of disjoint, non-adjacent
// half-open ranges [a,b). It is the foundation every other component in
// this module builds on (§3, §4.A).
package blockset

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/otabuilder/otabuilder/internal/otaerr"
)

// Range is a half-open block range [Start, End).
type Range struct {
	Start, End int64
}

func (r Range) size() int64 { return r.End - r.Start }

// BlockSet is a canonical, immutable-by-convention set of block indices.
// Callers must treat the zero value as the empty set and must not mutate
// the slice returned by Ranges.
type BlockSet struct {
	ranges []Range
}

// New builds a canonical BlockSet from arbitrary (possibly overlapping,
// unsorted) ranges.
func New(ranges ...Range) BlockSet {
	bs := BlockSet{ranges: append([]Range(nil), ranges...)}
	bs.canonicalize()
	return bs
}

// canonicalize sorts ranges ascending and merges adjacent/overlapping ones.
// It must be called after every mutation so the invariants in §3 hold.
func (bs *BlockSet) canonicalize() {
	rs := bs.ranges[:0:0]
	for _, r := range bs.ranges {
		if r.Start < r.End {
			rs = append(rs, r)
		}
	}
	bs.ranges = rs
	if len(bs.ranges) == 0 {
		return
	}
	sort.Slice(bs.ranges, func(i, j int) bool {
		return bs.ranges[i].Start < bs.ranges[j].Start
	})
	merged := bs.ranges[:1]
	for _, r := range bs.ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End { // overlapping or adjacent
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	bs.ranges = merged
}

// Ranges returns the canonical ranges in ascending order. The caller must
// not modify the returned slice.
func (bs BlockSet) Ranges() []Range { return bs.ranges }

// Empty reports whether the set contains no blocks.
func (bs BlockSet) Empty() bool { return len(bs.ranges) == 0 }

// Size returns the total number of blocks in the set.
func (bs BlockSet) Size() int64 {
	var n int64
	for _, r := range bs.ranges {
		n += r.size()
	}
	return n
}

// Equal reports whether bs and other have identical canonical ranges.
func (bs BlockSet) Equal(other BlockSet) bool {
	if len(bs.ranges) != len(other.ranges) {
		return false
	}
	for i, r := range bs.ranges {
		if r != other.ranges[i] {
			return false
		}
	}
	return true
}

// Union returns the set of blocks in bs or other (or both).
func (bs BlockSet) Union(other BlockSet) BlockSet {
	return New(append(append([]Range(nil), bs.ranges...), other.ranges...)...)
}

// Intersect returns the set of blocks in both bs and other.
func (bs BlockSet) Intersect(other BlockSet) BlockSet {
	var out []Range
	i, j := 0, 0
	for i < len(bs.ranges) && j < len(other.ranges) {
		a, b := bs.ranges[i], other.ranges[j]
		start := max64(a.Start, b.Start)
		end := min64(a.End, b.End)
		if start < end {
			out = append(out, Range{Start: start, End: end})
		}
		if a.End < b.End {
			i++
		} else {
			j++
		}
	}
	return New(out...)
}

// Subtract returns the set of blocks in bs but not in other.
func (bs BlockSet) Subtract(other BlockSet) BlockSet {
	var out []Range
	for _, a := range bs.ranges {
		cur := []Range{a}
		for _, b := range other.ranges {
			var next []Range
			for _, c := range cur {
				if b.End <= c.Start || b.Start >= c.End {
					next = append(next, c)
					continue
				}
				if b.Start > c.Start {
					next = append(next, Range{Start: c.Start, End: b.Start})
				}
				if b.End < c.End {
					next = append(next, Range{Start: b.End, End: c.End})
				}
			}
			cur = next
		}
		out = append(out, cur...)
	}
	return New(out...)
}

// Extend grows every range by k blocks on each side, clamped at 0, then
// canonicalizes (which merges ranges that now touch or overlap). Upper
// bounds are not clamped here; callers intersect with the image's
// [0,total_blocks) afterwards (§4.B `extended`).
func (bs BlockSet) Extend(k int64) BlockSet {
	out := make([]Range, len(bs.ranges))
	for i, r := range bs.ranges {
		start := r.Start - k
		if start < 0 {
			start = 0
		}
		out[i] = Range{Start: start, End: r.End + k}
	}
	return New(out...)
}

// ClampUpper intersects bs with [0, limit).
func (bs BlockSet) ClampUpper(limit int64) BlockSet {
	return bs.Intersect(New(Range{Start: 0, End: limit}))
}

// First returns the first n blocks of bs in ascending order. If bs has
// fewer than n blocks, all of them are returned.
func (bs BlockSet) First(n int64) BlockSet {
	var out []Range
	remaining := n
	for _, r := range bs.ranges {
		if remaining <= 0 {
			break
		}
		size := r.size()
		if size <= remaining {
			out = append(out, r)
			remaining -= size
			continue
		}
		out = append(out, Range{Start: r.Start, End: r.Start + remaining})
		remaining = 0
	}
	return New(out...)
}

// IterPairs calls fn once per (start, end) pair in ascending order. It stops
// early if fn returns false.
func (bs BlockSet) IterPairs(fn func(start, end int64) bool) {
	for _, r := range bs.ranges {
		if !fn(r.Start, r.End) {
			return
		}
	}
}

// Blocks returns every individual block index in bs, in ascending order.
// Intended for small sets (e.g. splitting a __ZERO/__NONZERO-i remainder
// block-by-block); large sets should use IterPairs instead.
func (bs BlockSet) Blocks() []int64 {
	out := make([]int64, 0, bs.Size())
	bs.IterPairs(func(start, end int64) bool {
		for b := start; b < end; b++ {
			out = append(out, b)
		}
		return true
	})
	return out
}

// ToCompactString formats bs as "n,a,b,c,d,…": a leading count of block
// indices (not ranges) followed by the flattened (start,end) pairs, the
// wire format used by transfer commands (§3 Transfer command, §4.A).
func (bs BlockSet) ToCompactString() string {
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatInt(bs.Size(), 10))
	for _, r := range bs.ranges {
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatInt(r.Start, 10))
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatInt(r.End, 10))
	}
	return buf.String()
}

// Parse parses the "n,a,b,c,d,…" compact form back into a BlockSet. It
// fails with otaerr.Invariant("InvalidRange", ...) if any pair is not
// strictly ascending (a<b) or the field count is malformed.
func Parse(s string) (BlockSet, error) {
	fields := strings.Split(s, ",")
	if len(fields) < 1 {
		return BlockSet{}, otaerr.Invariant("InvalidRange", fmt.Errorf("empty range string"))
	}
	count, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return BlockSet{}, otaerr.Invariant("InvalidRange", fmt.Errorf("leading count: %w", err))
	}
	rest := fields[1:]
	if len(rest)%2 != 0 {
		return BlockSet{}, otaerr.Invariant("InvalidRange", fmt.Errorf("odd number of range fields"))
	}
	var ranges []Range
	var total int64
	for i := 0; i < len(rest); i += 2 {
		a, err := strconv.ParseInt(rest[i], 10, 64)
		if err != nil {
			return BlockSet{}, otaerr.Invariant("InvalidRange", err)
		}
		b, err := strconv.ParseInt(rest[i+1], 10, 64)
		if err != nil {
			return BlockSet{}, otaerr.Invariant("InvalidRange", err)
		}
		if a >= b {
			return BlockSet{}, otaerr.Invariant("InvalidRange", fmt.Errorf("range [%d,%d) is not ascending", a, b))
		}
		ranges = append(ranges, Range{Start: a, End: b})
		total += b - a
	}
	bs := New(ranges...)
	if bs.Size() != count {
		return BlockSet{}, otaerr.Invariant("InvalidRange", fmt.Errorf("leading count %d does not match %d parsed blocks", count, total))
	}
	return bs, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
