// Package multirange implements sets of datetime intervals with optional
// bound inclusivity. Chain indexers use them to track which windows of
// events have already been synced and which are still missing.
package multirange

import (
	"fmt"
	"sort"
	"time"
)

// Range is one datetime interval. Bounds may each be inclusive or
// exclusive; the usual shape is the right-open [lower, upper).
type Range struct {
	Lower    time.Time
	Upper    time.Time
	LowerInc bool
	UpperInc bool
}

// NewRange builds a right-open range [lower, upper).
func NewRange(lower, upper time.Time) Range {
	return Range{Lower: lower, Upper: upper, LowerInc: true}
}

// Empty reports whether the range contains no point.
func (r Range) Empty() bool {
	if r.Lower.After(r.Upper) {
		return true
	}
	if r.Lower.Equal(r.Upper) {
		return !(r.LowerInc && r.UpperInc)
	}
	return false
}

// String renders the range in interval notation.
func (r Range) String() string {
	lb, ub := "(", ")"
	if r.LowerInc {
		lb = "["
	}
	if r.UpperInc {
		ub = "]"
	}
	return fmt.Sprintf("%s%s, %s%s", lb, r.Lower.Format(time.RFC3339Nano), r.Upper.Format(time.RFC3339Nano), ub)
}

// Overlaps reports whether the two ranges share at least one point.
func (r Range) Overlaps(other Range) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return lowerBeforeUpper(r, other) && lowerBeforeUpper(other, r)
}

// lowerBeforeUpper reports whether a's lower bound starts before b's upper
// bound ends, counting a shared endpoint only when both sides include it.
func lowerBeforeUpper(a, b Range) bool {
	if a.Lower.Before(b.Upper) {
		return true
	}
	return a.Lower.Equal(b.Upper) && a.LowerInc && b.UpperInc
}

// mergeable reports whether the union of the two ranges is itself a range:
// they overlap or touch without a gap.
func (r Range) mergeable(other Range) bool {
	if r.Overlaps(other) {
		return true
	}
	if r.Upper.Equal(other.Lower) && (r.UpperInc || other.LowerInc) {
		return true
	}
	if other.Upper.Equal(r.Lower) && (other.UpperInc || r.LowerInc) {
		return true
	}
	return false
}

// union merges two mergeable ranges.
func (r Range) union(other Range) Range {
	out := r
	if other.Lower.Before(out.Lower) || (other.Lower.Equal(out.Lower) && other.LowerInc) {
		out.Lower, out.LowerInc = other.Lower, other.LowerInc || (out.Lower.Equal(other.Lower) && out.LowerInc)
	}
	if other.Upper.After(out.Upper) || (other.Upper.Equal(out.Upper) && other.UpperInc) {
		out.Upper, out.UpperInc = other.Upper, other.UpperInc || (out.Upper.Equal(other.Upper) && out.UpperInc)
	}
	return out
}

// Subtract removes other from r, returning the 0, 1 or 2 remaining
// pieces.
func (r Range) Subtract(other Range) []Range {
	if !r.Overlaps(other) {
		if r.Empty() {
			return nil
		}
		return []Range{r}
	}
	var out []Range
	left := Range{Lower: r.Lower, LowerInc: r.LowerInc, Upper: other.Lower, UpperInc: !other.LowerInc}
	if !left.Empty() {
		out = append(out, left)
	}
	right := Range{Lower: other.Upper, LowerInc: !other.UpperInc, Upper: r.Upper, UpperInc: r.UpperInc}
	if !right.Empty() {
		out = append(out, right)
	}
	return out
}

// MultiRange is an ordered set of disjoint ranges.
type MultiRange struct {
	ranges []Range
}

// New builds a multirange from any ranges, merging as needed.
func New(ranges ...Range) *MultiRange {
	mr := &MultiRange{}
	for _, r := range ranges {
		mr.Add(r)
	}
	return mr
}

// Ranges returns the disjoint ranges in ascending order.
func (mr *MultiRange) Ranges() []Range {
	out := make([]Range, len(mr.ranges))
	copy(out, mr.ranges)
	return out
}

// Add inserts a range, merging it with any overlapping or adjacent
// members.
func (mr *MultiRange) Add(r Range) {
	if r.Empty() {
		return
	}
	merged := r
	kept := mr.ranges[:0]
	for _, existing := range mr.ranges {
		if merged.mergeable(existing) {
			merged = merged.union(existing)
		} else {
			kept = append(kept, existing)
		}
	}
	mr.ranges = append(kept, merged)
	sort.Slice(mr.ranges, func(i, j int) bool {
		return mr.ranges[i].Lower.Before(mr.ranges[j].Lower)
	})
}

// Subtract returns the parts of mr not covered by other.
func (mr *MultiRange) Subtract(other *MultiRange) *MultiRange {
	remaining := mr.Ranges()
	for _, sub := range other.ranges {
		var next []Range
		for _, r := range remaining {
			next = append(next, r.Subtract(sub)...)
		}
		remaining = next
	}
	out := &MultiRange{}
	for _, r := range remaining {
		out.Add(r)
	}
	return out
}
