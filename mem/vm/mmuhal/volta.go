package mmuhal

import "github.com/sarchlab/gpuvm/mem/vm"

// volta is pascal with wider peer addresses and SKED reflected mappings.
type volta struct {
	*pascal
}

func newVolta() *volta {
	return &volta{pascal: &pascal{arch: ArchVolta}}
}

const (
	voltaPTEPeerUpperLo    = 36
	voltaPTEPeerUpperWidth = 20

	voltaSkedKind = 0xCA
)

func (v *volta) MakePTE(
	aperture vm.Aperture,
	addr uint64,
	prot vm.Prot,
	flags vm.PTEFlags,
) uint64 {
	mustMapPTE(v.arch, aperture, prot)

	return voltaPTE(aperture, addr, prot, flags)
}

func voltaPTE(
	aperture vm.Aperture,
	addr uint64,
	prot vm.Prot,
	flags vm.PTEFlags,
) uint64 {
	pte := pascalPTE(aperture, addr, prot, flags)

	// Peer addresses do not fit in the vidmem address field. The bits above
	// it go to a separate field.
	if aperture.IsPeer() {
		upper := addr >> 12 >> pascalPTEVidWidth
		pte |= field(upper, voltaPTEPeerUpperLo, voltaPTEPeerUpperWidth)
	}

	return pte
}

func (v *volta) MakeSkedReflectedPTE() uint64 {
	return 1<<pascalPTEValid | field(voltaSkedKind, pascalPTEKindLo, 8)
}

func (v *volta) PoisonedPTE() uint64 {
	return pascalPoison(v)
}

func (v *volta) DecodePTE(raw uint64) PTEFields {
	return pascalDecodePTE(raw, true)
}
