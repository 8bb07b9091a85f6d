package drivers

import (
	"github.com/google/btree"

	tapdisk "github.com/behrlich/go-tapdisk"
)

// extentMap tracks which sector ranges of an image have been written.
// Ranges are kept disjoint and coalesced on insert.
type extentMap struct {
	tree *btree.BTreeG[sectorRange]
}

type sectorRange struct {
	start uint64
	end   uint64 // exclusive
}

func rangeLess(a, b sectorRange) bool {
	return a.start < b.start
}

func newExtentMap() *extentMap {
	return &extentMap{tree: btree.NewG[sectorRange](8, rangeLess)}
}

// mark records [sec, sec+secs) as allocated, merging neighbours.
func (m *extentMap) mark(sec uint64, secs int) {
	r := sectorRange{start: sec, end: sec + uint64(secs)}

	// Collect overlapping or touching ranges.
	var absorb []sectorRange
	m.tree.DescendLessOrEqual(sectorRange{start: r.end}, func(x sectorRange) bool {
		if x.end < r.start {
			return false
		}
		absorb = append(absorb, x)
		return true
	})
	for _, x := range absorb {
		if x.start < r.start {
			r.start = x.start
		}
		if x.end > r.end {
			r.end = x.end
		}
		m.tree.Delete(x)
	}
	m.tree.ReplaceOrInsert(r)
}

// query walks [sec, sec+secs) and returns the allocation runs covering
// it, in order.
func (m *extentMap) query(sec uint64, secs int) []tapdisk.Extent {
	var out []tapdisk.Extent
	pos := sec
	end := sec + uint64(secs)

	m.tree.AscendGreaterOrEqual(sectorRange{start: 0}, func(x sectorRange) bool {
		if x.end <= pos {
			return true
		}
		if x.start >= end {
			return false
		}
		if x.start > pos {
			out = append(out, tapdisk.Extent{Secs: int(x.start - pos), Allocated: false})
			pos = x.start
		}
		stop := x.end
		if stop > end {
			stop = end
		}
		out = append(out, tapdisk.Extent{Secs: int(stop - pos), Allocated: true})
		pos = stop
		return pos < end
	})

	if pos < end {
		out = append(out, tapdisk.Extent{Secs: int(end - pos), Allocated: false})
	}
	return out
}

// allocated returns the total allocated sector count.
func (m *extentMap) allocated() uint64 {
	var total uint64
	m.tree.Ascend(func(x sectorRange) bool {
		total += x.end - x.start
		return true
	})
	return total
}
