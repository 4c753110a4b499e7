package mmuhal

import "github.com/sarchlab/gpuvm/mem/vm"

// blackwell is hopper with 256G pages mapped at depth 2.
type blackwell struct {
	*hopper
}

func newBlackwell() *blackwell {
	return &blackwell{hopper: &hopper{arch: ArchBlackwell}}
}

func (b *blackwell) PageSizes() vm.PageSizes {
	return b.hopper.PageSizes() | vm.PageSizes(vm.PageSize256G)
}

func (b *blackwell) PageTableDepth(pageSize uint64) int {
	if pageSize == vm.PageSize256G {
		return 2
	}

	return b.hopper.PageTableDepth(pageSize)
}
