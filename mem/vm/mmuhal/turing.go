package mmuhal

import "github.com/sarchlab/gpuvm/mem/vm"

// turing is volta with explicit PTE kinds.
type turing struct {
	*volta
}

func newTuring() *turing {
	return &turing{volta: &volta{pascal: &pascal{arch: ArchTuring}}}
}

const (
	turingKindGenericMemory = 0x06
	turingSkedKind          = 0x0F
)

func (t *turing) MakePTE(
	aperture vm.Aperture,
	addr uint64,
	prot vm.Prot,
	flags vm.PTEFlags,
) uint64 {
	mustMapPTE(t.arch, aperture, prot)

	pte := voltaPTE(aperture, addr, prot, flags)
	pte |= field(turingKindGenericMemory, pascalPTEKindLo, 8)

	return pte
}

func (t *turing) MakeSkedReflectedPTE() uint64 {
	return 1<<pascalPTEValid | field(turingSkedKind, pascalPTEKindLo, 8)
}

func (t *turing) PoisonedPTE() uint64 {
	return pascalPoison(t)
}
