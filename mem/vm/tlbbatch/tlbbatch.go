// Package tlbbatch coalesces TLB invalidates of a page tree.
package tlbbatch

import (
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/push"
)

// MaxEntries is the number of ranges a batch tracks before it falls back to
// invalidating everything.
const MaxEntries = 4

// Caps describe the invalidates a GPU supports.
type Caps struct {
	// VAInvalidateSupported tells if targeted invalidates exist at all.
	VAInvalidateSupported bool

	// VARangeInvalidateSupported tells if one targeted invalidate can cover a
	// whole range. Otherwise the cost is counted in pages.
	VARangeInvalidateSupported bool

	// MaxPages is the largest page count invalidated with targeted
	// invalidates.
	MaxPages uint64

	// MaxRanges is the largest range count invalidated with targeted
	// invalidates.
	MaxRanges uint64
}

// A Tree is the page tree whose translations are invalidated.
type Tree interface {
	RootAddress() vm.PhysAddr
	HAL() mmuhal.Mode
	TLBCaps() Caps
}

type entry struct {
	start     uint64
	size      uint64
	pageSizes vm.PageSizes
}

// A Batch accumulates invalidates and issues them at End.
type Batch struct {
	tree Tree
	push *push.Push
	caps Caps

	entries     [MaxEntries]entry
	count       int
	totalPages  uint64
	totalRanges uint64
	biggestPage uint64
	membar      vm.Membar
}

// Begin starts a batch for tree that will be issued into p.
func (b *Batch) Begin(tree Tree, p *push.Push) {
	*b = Batch{
		tree: tree,
		push: p,
		caps: tree.TLBCaps(),
	}
}

// Invalidate records [start, start+size) mapped with any of pageSizes.
func (b *Batch) Invalidate(start, size uint64, pageSizes vm.PageSizes, membar vm.Membar) {
	b.membar = vm.MaxMembar(b.membar, membar)
	b.biggestPage = max(b.biggestPage, pageSizes.Biggest())

	if b.caps.VARangeInvalidateSupported {
		b.totalRanges++
	} else {
		b.totalPages += size / pageSizes.Smallest()
	}

	if b.count >= MaxEntries {
		b.count = MaxEntries + 1
		return
	}

	b.entries[b.count] = entry{start: start, size: size, pageSizes: pageSizes}
	b.count++
}

// InvalidateAll reports whether End will fall back to one invalidate of the
// whole tree.
func (b *Batch) InvalidateAll() bool {
	switch {
	case !b.caps.VAInvalidateSupported:
		return true
	case b.count > MaxEntries:
		return true
	case b.caps.VARangeInvalidateSupported:
		return b.totalRanges > b.caps.MaxRanges
	default:
		return b.totalPages > b.caps.MaxPages
	}
}

// End issues the recorded invalidates. Only the last command carries the
// membar, which is the widest requested.
func (b *Batch) End(membar vm.Membar) {
	b.membar = vm.MaxMembar(b.membar, membar)

	if b.count == 0 {
		return
	}

	hal := b.tree.HAL()
	pdb := b.tree.RootAddress()

	if b.InvalidateAll() {
		b.push.TLBInvalidateAll(pdb, hal.PageTableDepth(b.biggestPage), b.membar)
		return
	}

	for i := 0; i < b.count; i++ {
		e := b.entries[i]

		m := vm.MembarNone
		if i == b.count-1 {
			m = b.membar
		}

		b.push.TLBInvalidateVA(pdb,
			hal.PageTableDepth(e.pageSizes.Biggest()),
			e.start, e.size, e.pageSizes.Smallest(), m)
	}
}

// SingleInvalidate issues the invalidate of one range into p.
func SingleInvalidate(
	tree Tree,
	p *push.Push,
	start, size uint64,
	pageSizes vm.PageSizes,
	membar vm.Membar,
) {
	var b Batch

	b.Begin(tree, p)
	b.Invalidate(start, size, pageSizes, membar)
	b.End(vm.MembarNone)
}
