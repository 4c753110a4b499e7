package mmu

import (
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
)

// A Builder can build walkers.
type Builder struct {
	hal    mmuhal.Mode
	reader Reader
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithHAL sets the MMU mode entries are decoded with.
func (b Builder) WithHAL(hal mmuhal.Mode) Builder {
	b.hal = hal
	return b
}

// WithReader sets the memory the page tables are read from.
func (b Builder) WithReader(r Reader) Builder {
	b.reader = r
	return b
}

// Build returns a newly created walker.
func (b Builder) Build() *Walker {
	if b.hal == nil || b.reader == nil {
		panic("a walker needs a HAL and a reader")
	}

	w := &Walker{
		hal:    b.hal,
		reader: b.reader,
	}

	b.findLargePageSizes(w)

	return w
}

// findLargePageSizes records the page sizes mapped directly by directory
// entries. The small and big page sizes always have tables of their own.
func (b Builder) findLargePageSizes(w *Walker) {
	tables := vm.PageSizes(vm.PageSize4K | b.hal.BigPageSize())

	for _, ps := range b.hal.PageSizes().List() {
		if tables.Has(ps) {
			continue
		}

		depth := b.hal.PageTableDepth(ps)
		for len(w.leafSizes) <= depth {
			w.leafSizes = append(w.leafSizes, 0)
		}

		w.leafSizes[depth] |= vm.PageSizes(ps)
	}
}
