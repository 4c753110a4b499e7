package mmuhal

import "github.com/sarchlab/gpuvm/mem/vm"

// ampere is turing with 512M pages mapped at depth 2.
type ampere struct {
	*turing
}

func newAmpere() *ampere {
	return &ampere{
		turing: &turing{volta: &volta{pascal: &pascal{arch: ArchAmpere}}},
	}
}

func (a *ampere) PageSizes() vm.PageSizes {
	return a.turing.PageSizes() | vm.PageSizes(vm.PageSize512M)
}

func (a *ampere) PageTableDepth(pageSize uint64) int {
	if pageSize == vm.PageSize512M {
		return 2
	}

	return a.turing.PageTableDepth(pageSize)
}
