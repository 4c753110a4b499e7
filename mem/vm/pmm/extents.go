package pmm

import (
	"fmt"

	"github.com/google/btree"
	"github.com/sarchlab/gpuvm/mem/vm"
)

type extent struct {
	start uint64
	size  uint64
}

func (e extent) end() uint64 {
	return e.start + e.size
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// extents is an address-ordered index of free physical ranges. Adjacent free
// ranges are always coalesced.
type extents struct {
	tree *btree.BTreeG[extent]
	free uint64
}

func newExtents(base, size uint64) *extents {
	e := &extents{tree: btree.NewG(8, extentLess)}
	if size > 0 {
		e.tree.ReplaceOrInsert(extent{start: base, size: size})
		e.free = size
	}

	return e
}

// alloc carves size bytes aligned to align out of the lowest free range that
// can hold them.
func (e *extents) alloc(size, align uint64) (uint64, bool) {
	var (
		found   extent
		addr    uint64
		success bool
	)

	e.tree.Ascend(func(candidate extent) bool {
		aligned := vm.AlignUp(candidate.start, align)
		if aligned < candidate.start || aligned+size > candidate.end() {
			return true
		}

		found, addr, success = candidate, aligned, true

		return false
	})

	if !success {
		return 0, false
	}

	e.tree.Delete(found)

	if addr > found.start {
		e.tree.ReplaceOrInsert(extent{start: found.start, size: addr - found.start})
	}

	if addr+size < found.end() {
		e.tree.ReplaceOrInsert(extent{start: addr + size, size: found.end() - addr - size})
	}

	e.free -= size

	return addr, true
}

// release returns a range to the index, merging it with its neighbours.
func (e *extents) release(start, size uint64) {
	freed := extent{start: start, size: size}

	var (
		prev, next       extent
		hasPrev, hasNext bool
	)

	e.tree.DescendLessOrEqual(freed, func(x extent) bool {
		prev, hasPrev = x, true
		return false
	})

	e.tree.AscendGreaterOrEqual(extent{start: start + 1}, func(x extent) bool {
		next, hasNext = x, true
		return false
	})

	if (hasPrev && prev.end() > start) || (hasNext && next.start < freed.end()) {
		panic(fmt.Sprintf("double free of [0x%x, 0x%x)", start, start+size))
	}

	if hasPrev && prev.end() == start {
		e.tree.Delete(prev)
		freed = extent{start: prev.start, size: prev.size + freed.size}
	}

	if hasNext && next.start == start+size {
		e.tree.Delete(next)
		freed.size += next.size
	}

	e.tree.ReplaceOrInsert(freed)
	e.free += size
}

// count returns the number of disjoint free ranges.
func (e *extents) count() int {
	return e.tree.Len()
}

// largest returns the size of the biggest free range.
func (e *extents) largest() uint64 {
	var largest uint64

	e.tree.Ascend(func(x extent) bool {
		largest = max(largest, x.size)
		return true
	})

	return largest
}

// allocAlignment returns the natural alignment of an allocation: its size
// rounded up to a power of two, but at least granule.
func allocAlignment(size, granule uint64) uint64 {
	align := granule
	for align < size {
		align <<= 1
	}

	return align
}
