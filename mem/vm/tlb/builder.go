package tlb

import (
	"sort"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/sim"
)

// A Builder can build TLBs.
type Builder struct {
	numSets   int
	numWays   int
	pageSizes vm.PageSizes
}

// MakeBuilder returns a Builder.
func MakeBuilder() Builder {
	return Builder{
		numSets:   1,
		numWays:   32,
		pageSizes: vm.PageSizes(vm.PageSize4K),
	}
}

// WithNumSets sets the number of sets in a TLB. Use 1 for fully associated
// TLBs.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of ways in a TLB. Set this field to the number
// of TLB entries for all the functions.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// WithPageSizes sets the page sizes translations can have.
func (b Builder) WithPageSizes(sizes vm.PageSizes) Builder {
	b.pageSizes = sizes
	return b
}

// Build creates a new TLB.
func (b Builder) Build(name string) *TLB {
	if b.numSets <= 0 || b.numWays <= 0 || b.pageSizes == 0 {
		panic("a TLB needs sets, ways and page sizes")
	}

	t := &TLB{
		NamedBase: sim.MakeNamedBase(name),
		numSets:   b.numSets,
		numWays:   b.numWays,
		pageSizes: b.pageSizes.List(),
	}

	// Bigger pages are looked up first, as they cover more addresses.
	sort.Slice(t.pageSizes, func(i, j int) bool {
		return t.pageSizes[i] > t.pageSizes[j]
	})

	t.reset()

	return t
}
