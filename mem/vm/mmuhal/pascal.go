package mmuhal

import (
	"fmt"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// pascal is the first GMMU version with a five-level tree. Depth 3 holds dual
// entries: a 64K table in the low qword and a 4K table in the high qword. 2M
// pages are mapped directly by the low qword of depth 3.
type pascal struct {
	arch Arch
}

func newPascal() *pascal {
	return &pascal{arch: ArchPascal}
}

const (
	pascalApertureVid  = 1
	pascalApertureSys  = 2
	pascalAperturePeer = 1

	pascalPTEValid     = 0
	pascalPTEAperture  = 1
	pascalPTEVol       = 3
	pascalPTEPrivilege = 5
	pascalPTEReadOnly  = 6
	pascalPTEAtomicDis = 7
	pascalPTEAddrLo    = 8
	pascalPTESysWidth  = 46
	pascalPTEVidWidth  = 25
	pascalPTEPeerLo    = 33
	pascalPTEKindLo    = 56

	pascalPDEAperture  = 1
	pascalPDEVol       = 3
	pascalPDEAddrLo    = 8
	pascalPDEAddrWidth = 46
	pascalPDEBigAddrLo = 4
	pascalPDEBigWidth  = 32

	pascalDualDepth = 3
	pascalMaxDepth  = 4
)

func (p *pascal) Arch() Arch          { return p.arch }
func (p *pascal) BigPageSize() uint64 { return vm.PageSize64K }
func (p *pascal) NumVABits() int      { return 49 }

func (p *pascal) PageSizes() vm.PageSizes {
	return vm.PageSizes(vm.PageSize4K | vm.PageSize64K | vm.PageSize2M)
}

func (p *pascal) EntrySize(depth int) int {
	p.mustBeValidDepth(depth)

	if depth == pascalDualDepth {
		return 16
	}

	return 8
}

func (p *pascal) EntriesPerIndex(depth int) int {
	p.mustBeValidDepth(depth)

	if depth == pascalDualDepth {
		return 2
	}

	return 1
}

func (p *pascal) EntryOffset(depth int, pageSize uint64) int {
	if depth == pascalDualDepth && pageSize == vm.PageSize4K {
		return ChildSmall
	}

	return ChildBig
}

func (p *pascal) IndexBits(depth int, pageSize uint64) int {
	p.mustBeValidDepth(depth)

	switch depth {
	case 0:
		return 2
	case 1, 2:
		return 9
	case 3:
		return 8
	}

	if pageSize == vm.PageSize64K {
		return 5
	}

	return 9
}

func (p *pascal) AllocationSize(depth int, pageSize uint64) uint64 {
	p.mustBeValidDepth(depth)

	if depth == pascalMaxDepth && pageSize == vm.PageSize64K {
		return 256
	}

	return 4096
}

func (p *pascal) PageTableDepth(pageSize uint64) int {
	if pageSize == vm.PageSize2M {
		return 3
	}

	return 4
}

func (p *pascal) mustBeValidDepth(depth int) {
	if depth < 0 || depth > pascalMaxDepth {
		panic(fmt.Sprintf("%s: invalid depth %d", p.arch, depth))
	}
}

func (p *pascal) MakePTE(
	aperture vm.Aperture,
	addr uint64,
	prot vm.Prot,
	flags vm.PTEFlags,
) uint64 {
	mustMapPTE(p.arch, aperture, prot)

	return pascalPTE(aperture, addr, prot, flags)
}

func pascalPTE(
	aperture vm.Aperture,
	addr uint64,
	prot vm.Prot,
	flags vm.PTEFlags,
) uint64 {
	pte := uint64(1) << pascalPTEValid

	switch {
	case aperture == vm.ApertureSys:
		pte |= field(pascalApertureSys, pascalPTEAperture, 2)
		pte |= field(addr>>12, pascalPTEAddrLo, pascalPTESysWidth)
	case aperture == vm.ApertureVid:
		pte |= field(addr>>12, pascalPTEAddrLo, pascalPTEVidWidth)
	default:
		pte |= field(pascalAperturePeer, pascalPTEAperture, 2)
		pte |= field(addr>>12, pascalPTEAddrLo, pascalPTEVidWidth)
		pte |= field(uint64(aperture.PeerID()), pascalPTEPeerLo, 3)
	}

	pte |= boolBit(flags&vm.PTEFlagCached == 0, pascalPTEVol)
	pte |= boolBit(prot == vm.ProtReadOnly, pascalPTEReadOnly)
	pte |= boolBit(prot != vm.ProtReadWriteAtomic, pascalPTEAtomicDis)

	return pte
}

func (p *pascal) MakeSkedReflectedPTE() uint64 {
	panic(fmt.Sprintf("%s: SKED reflected PTEs are not supported", p.arch))
}

func (p *pascal) MakeSparsePTE() uint64 {
	return 1 << pascalPTEVol
}

func (p *pascal) UnmappedPTE(pageSize uint64) uint64 {
	// A big-page entry marked privileged but invalid stops the MMU from
	// falling back to the 4K table of the same dual entry.
	if pageSize == vm.PageSize64K {
		return 1 << pascalPTEPrivilege
	}

	return 0
}

func (p *pascal) PoisonedPTE() uint64 {
	return pascalPoison(p)
}

// pascalPoison maps a read-only privileged page at an address beyond any
// framebuffer, so that engines that do not fault on invalid PTEs still raise
// an error.
func pascalPoison(m Mode) uint64 {
	pte := m.MakePTE(vm.ApertureVid, 0x1bad000000, vm.ProtReadOnly, vm.PTEFlagsNone)
	return pte | 1<<pascalPTEPrivilege
}

func (p *pascal) MakePDE(
	entry []uint64,
	children [2]*vm.Allocation,
	depth int,
	_ uint32,
) {
	p.mustBeValidDepth(depth)

	if depth == pascalMaxDepth {
		panic(fmt.Sprintf("%s: depth %d holds no directory entries", p.arch, depth))
	}

	if depth != pascalDualDepth {
		entry[0] = pascalSinglePDE(children[0])
		return
	}

	entry[ChildBig] = pascalBigHalfPDE(children[ChildBig])
	entry[ChildSmall] = pascalSinglePDE(children[ChildSmall])
}

func pascalDirAperture(a vm.Aperture) uint64 {
	switch a {
	case vm.ApertureVid:
		return pascalApertureVid
	case vm.ApertureSys:
		return pascalApertureSys
	}

	panic(fmt.Sprintf("directories cannot live in %s", a))
}

func pascalSinglePDE(child *vm.Allocation) uint64 {
	if child == nil {
		return 0
	}

	pde := field(pascalDirAperture(child.Addr.Aperture), pascalPDEAperture, 2)
	pde |= 1 << pascalPDEVol
	pde |= field(child.Addr.Address>>12, pascalPDEAddrLo, pascalPDEAddrWidth)

	return pde
}

func pascalBigHalfPDE(child *vm.Allocation) uint64 {
	if child == nil {
		return 0
	}

	pde := field(pascalDirAperture(child.Addr.Aperture), pascalPDEAperture, 2)
	pde |= 1 << pascalPDEVol
	pde |= field(child.Addr.Address>>8, pascalPDEBigAddrLo, pascalPDEBigWidth)

	return pde
}

func (p *pascal) DecodePTE(raw uint64) PTEFields {
	return pascalDecodePTE(raw, false)
}

func pascalDecodePTE(raw uint64, peerUpperBits bool) PTEFields {
	f := PTEFields{
		Valid:      bit(raw, pascalPTEValid),
		Privileged: bit(raw, pascalPTEPrivilege),
	}

	if !f.Valid {
		f.Sparse = raw == 1<<pascalPTEVol
		return f
	}

	f.Kind = uint8(getField(raw, pascalPTEKindLo, 8))

	switch getField(raw, pascalPTEAperture, 2) {
	case 0:
		f.Aperture = vm.ApertureVid
		f.Address = getField(raw, pascalPTEAddrLo, pascalPTEVidWidth) << 12
	case pascalAperturePeer:
		f.Aperture = vm.AperturePeer(int(getField(raw, pascalPTEPeerLo, 3)))
		f.Address = getField(raw, pascalPTEAddrLo, pascalPTEVidWidth) << 12
		if peerUpperBits {
			upper := getField(raw, voltaPTEPeerUpperLo, voltaPTEPeerUpperWidth)
			f.Address |= upper << (12 + pascalPTEVidWidth)
		}
	default:
		f.Aperture = vm.ApertureSys
		f.Address = getField(raw, pascalPTEAddrLo, pascalPTESysWidth) << 12
	}

	switch {
	case bit(raw, pascalPTEReadOnly):
		f.Prot = vm.ProtReadOnly
	case bit(raw, pascalPTEAtomicDis):
		f.Prot = vm.ProtReadWrite
	default:
		f.Prot = vm.ProtReadWriteAtomic
	}

	if !bit(raw, pascalPTEVol) {
		f.Flags |= vm.PTEFlagCached
	}

	return f
}

func (p *pascal) DecodePDE(entry []uint64, depth int) [2]PDEFields {
	var halves [2]PDEFields

	if depth != pascalDualDepth {
		halves[0] = pascalDecodeHalf(entry[0], pascalPDEAddrLo, pascalPDEAddrWidth, 12)
		return halves
	}

	halves[ChildBig] = pascalDecodeHalf(entry[ChildBig],
		pascalPDEBigAddrLo, pascalPDEBigWidth, 8)
	halves[ChildSmall] = pascalDecodeHalf(entry[ChildSmall],
		pascalPDEAddrLo, pascalPDEAddrWidth, 12)

	return halves
}

func pascalDecodeHalf(raw uint64, lo, width, shift int) PDEFields {
	a := getField(raw, pascalPDEAperture, 2)
	if a == 0 {
		return PDEFields{}
	}

	return PDEFields{
		Present:  true,
		Aperture: decodeDirAperture(a, pascalApertureVid),
		Address:  getField(raw, lo, width) << shift,
	}
}
