// Package intervalmap implements an ordered map from disjoint half-open
// ranges of an integer domain (addresses, line numbers) to values.
package intervalmap

import (
	"fmt"
	"math"
	"sort"
)

// Unbounded is the End of a range that has no upper bound.
const Unbounded = math.MaxUint64

// Range is the half-open interval [Start, End).
type Range struct {
	Start, End uint64
}

// Whole is the range covering the entire domain.
var Whole = Range{Start: 0, End: Unbounded}

// Contains reports whether p is inside r.
func (r Range) Contains(p uint64) bool {
	return p >= r.Start && p < r.End
}

// Empty reports whether r covers no point.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

func (r Range) String() string {
	if r.End == Unbounded {
		return fmt.Sprintf("[%#x, inf)", r.Start)
	}
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

type entry[V any] struct {
	Range
	value V
}

// Map maps disjoint ranges to values. Ranges are kept sorted by start and
// never overlap. The zero value is an empty map ready to use.
type Map[V any] struct {
	entries []entry[V]
}

// Len returns the number of stored ranges.
func (m *Map[V]) Len() int {
	return len(m.entries)
}

// index returns the index of the first entry whose End is above p.
func (m *Map[V]) index(p uint64) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].End > p
	})
}

// Set assigns v to [start, end). Existing ranges that overlap are cut so
// that the portions outside [start, end) keep their previous value.
func (m *Map[V]) Set(start, end uint64, v V) {
	if end <= start {
		return
	}
	m.cut(start, end, &entry[V]{Range: Range{start, end}, value: v})
}

// Delete removes any mapping inside [start, end), splitting ranges that
// straddle the boundaries.
func (m *Map[V]) Delete(start, end uint64) {
	if end <= start {
		return
	}
	m.cut(start, end, nil)
}

func (m *Map[V]) cut(start, end uint64, repl *entry[V]) {
	lo := m.index(start)
	hi := lo
	for hi < len(m.entries) && m.entries[hi].Start < end {
		hi++
	}

	var mid []entry[V]
	if lo < hi {
		first, last := m.entries[lo], m.entries[hi-1]
		if first.Start < start {
			mid = append(mid, entry[V]{Range: Range{first.Start, start}, value: first.value})
		}
		if repl != nil {
			mid = append(mid, *repl)
		}
		if last.End > end {
			mid = append(mid, entry[V]{Range: Range{end, last.End}, value: last.value})
		}
	} else if repl != nil {
		mid = append(mid, *repl)
	}

	tail := append(mid, m.entries[hi:]...)
	m.entries = append(m.entries[:lo], tail...)
}

// Get returns the value of the range covering p.
func (m *Map[V]) Get(p uint64) (V, bool) {
	_, v, ok := m.Lookup(p)
	return v, ok
}

// Lookup returns the range covering p and its value.
func (m *Map[V]) Lookup(p uint64) (Range, V, bool) {
	i := m.index(p)
	if i < len(m.entries) && m.entries[i].Contains(p) {
		return m.entries[i].Range, m.entries[i].value, true
	}
	var zero V
	return Range{}, zero, false
}

// Floor returns the last range starting at or before p, whether or not it
// covers p.
func (m *Map[V]) Floor(p uint64) (Range, V, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Start > p
	})
	if i == 0 {
		var zero V
		return Range{}, zero, false
	}
	e := m.entries[i-1]
	return e.Range, e.value, true
}

// RightBound returns the start of the first range that begins after the
// range owning p (or after p itself when no range covers it).
func (m *Map[V]) RightBound(p uint64) (uint64, bool) {
	i := m.index(p)
	if i < len(m.entries) && m.entries[i].Contains(p) {
		i++
	}
	if i < len(m.entries) {
		return m.entries[i].Start, true
	}
	return 0, false
}

// Each calls fn for every range in ascending order until fn returns false.
func (m *Map[V]) Each(fn func(r Range, v V) bool) {
	for _, e := range m.entries {
		if !fn(e.Range, e.value) {
			return
		}
	}
}

// Ranges returns a copy of the stored ranges in ascending order.
func (m *Map[V]) Ranges() []Range {
	r := make([]Range, len(m.entries))
	for i := range m.entries {
		r[i] = m.entries[i].Range
	}
	return r
}
