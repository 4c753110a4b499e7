package mmuhal

import (
	"fmt"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// hopper is GMMU version 3: six levels, 57 VA bits, and a PTE control field
// (PCF) that packs caching, privilege, protection and access counting.
type hopper struct {
	arch Arch
}

func newHopper() *hopper {
	return &hopper{arch: ArchHopper}
}

const (
	hopperApertureVid  = 1
	hopperApertureSys  = 2
	hopperAperturePeer = 1

	hopperPTEValid    = 0
	hopperPTEAperture = 1
	hopperPTEPCFLo    = 3
	hopperPTEKindLo   = 8
	hopperPTEAddrLo   = 12
	hopperPTEAddrW    = 40
	hopperPTEPeerLo   = 61

	hopperPCFUncached  = 1 << 0
	hopperPCFPrivilege = 1 << 1
	hopperPCFReadOnly  = 1 << 2
	hopperPCFNoAtomic  = 1 << 3
	hopperPCFACD       = 1 << 4

	hopperPTEPCFSparse         = 1
	hopperPTEPCFNoValid4KPage  = 3
	hopperKindGenericMemory    = 0x6
	hopperSkedKind             = 0xF
	hopperPDEPCFUncachedATSOK  = 1
	hopperPDEAddrLo            = 12
	hopperPDEAddrW             = 40
	hopperPDEBigAddrLo         = 8
	hopperPDEBigAddrW          = 44
	hopperDualDepth            = 4
	hopperMaxDepth             = 5
	hopperPoisonedAddress      = 0x2bad000000
	hopperPTEPrivilegeRawShift = hopperPTEPCFLo
)

func (h *hopper) Arch() Arch          { return h.arch }
func (h *hopper) BigPageSize() uint64 { return vm.PageSize64K }
func (h *hopper) NumVABits() int      { return 57 }

func (h *hopper) PageSizes() vm.PageSizes {
	return vm.PageSizes(vm.PageSize4K | vm.PageSize64K | vm.PageSize2M |
		vm.PageSize512M)
}

func (h *hopper) EntrySize(depth int) int {
	h.mustBeValidDepth(depth)

	if depth == hopperDualDepth {
		return 16
	}

	return 8
}

func (h *hopper) EntriesPerIndex(depth int) int {
	h.mustBeValidDepth(depth)

	if depth == hopperDualDepth {
		return 2
	}

	return 1
}

func (h *hopper) EntryOffset(depth int, pageSize uint64) int {
	if depth == hopperDualDepth && pageSize == vm.PageSize4K {
		return ChildSmall
	}

	return ChildBig
}

func (h *hopper) IndexBits(depth int, pageSize uint64) int {
	h.mustBeValidDepth(depth)

	switch depth {
	case 0:
		return 1
	case 1, 2, 3:
		return 9
	case 4:
		return 8
	}

	if pageSize == vm.PageSize64K {
		return 5
	}

	return 9
}

func (h *hopper) AllocationSize(depth int, pageSize uint64) uint64 {
	h.mustBeValidDepth(depth)

	if depth == hopperMaxDepth && pageSize == vm.PageSize64K {
		return 256
	}

	return 4096
}

func (h *hopper) PageTableDepth(pageSize uint64) int {
	switch pageSize {
	case vm.PageSize512M:
		return 3
	case vm.PageSize2M:
		return 4
	}

	return 5
}

func (h *hopper) mustBeValidDepth(depth int) {
	if depth < 0 || depth > hopperMaxDepth {
		panic(fmt.Sprintf("%s: invalid depth %d", h.arch, depth))
	}
}

func hopperPCF(prot vm.Prot, flags vm.PTEFlags) uint64 {
	pcf := uint64(0)

	if flags&vm.PTEFlagCached == 0 {
		pcf |= hopperPCFUncached
	}

	if prot == vm.ProtReadOnly {
		pcf |= hopperPCFReadOnly
	}

	if prot != vm.ProtReadWriteAtomic {
		pcf |= hopperPCFNoAtomic
	}

	if flags&vm.PTEFlagAccessCountersDisabled != 0 {
		pcf |= hopperPCFACD
	}

	return pcf
}

func (h *hopper) MakePTE(
	aperture vm.Aperture,
	addr uint64,
	prot vm.Prot,
	flags vm.PTEFlags,
) uint64 {
	mustMapPTE(h.arch, aperture, prot)

	pte := uint64(1) << hopperPTEValid

	switch {
	case aperture == vm.ApertureSys:
		pte |= field(hopperApertureSys, hopperPTEAperture, 2)
	case aperture.IsPeer():
		pte |= field(hopperAperturePeer, hopperPTEAperture, 2)
		pte |= field(uint64(aperture.PeerID()), hopperPTEPeerLo, 3)
	}

	pte |= field(addr>>12, hopperPTEAddrLo, hopperPTEAddrW)
	pte |= field(hopperPCF(prot, flags), hopperPTEPCFLo, 5)
	pte |= field(hopperKindGenericMemory, hopperPTEKindLo, 4)

	return pte
}

func (h *hopper) MakeSkedReflectedPTE() uint64 {
	return 1<<hopperPTEValid |
		field(hopperPTEPCFSparse, hopperPTEPCFLo, 5) |
		field(hopperSkedKind, hopperPTEKindLo, 4)
}

func (h *hopper) MakeSparsePTE() uint64 {
	return field(hopperPTEPCFSparse, hopperPTEPCFLo, 5)
}

func (h *hopper) UnmappedPTE(pageSize uint64) uint64 {
	if pageSize == vm.PageSize64K {
		return field(hopperPTEPCFNoValid4KPage, hopperPTEPCFLo, 5)
	}

	return 0
}

func (h *hopper) PoisonedPTE() uint64 {
	pte := h.MakePTE(vm.ApertureVid, hopperPoisonedAddress,
		vm.ProtReadOnly, vm.PTEFlagsNone)

	return pte | hopperPCFPrivilege<<hopperPTEPrivilegeRawShift
}

func (h *hopper) MakePDE(
	entry []uint64,
	children [2]*vm.Allocation,
	depth int,
	_ uint32,
) {
	h.mustBeValidDepth(depth)

	if depth == hopperMaxDepth {
		panic(fmt.Sprintf("%s: depth %d holds no directory entries", h.arch, depth))
	}

	if depth != hopperDualDepth {
		entry[0] = hopperPDEHalf(children[0], hopperPDEAddrLo, hopperPDEAddrW, 12)
		return
	}

	entry[ChildBig] = hopperPDEHalf(children[ChildBig],
		hopperPDEBigAddrLo, hopperPDEBigAddrW, 8)
	entry[ChildSmall] = hopperPDEHalf(children[ChildSmall],
		hopperPDEAddrLo, hopperPDEAddrW, 12)
}

func hopperPDEHalf(child *vm.Allocation, lo, width, shift int) uint64 {
	if child == nil {
		return 0
	}

	var aperture uint64
	switch child.Addr.Aperture {
	case vm.ApertureVid:
		aperture = hopperApertureVid
	case vm.ApertureSys:
		aperture = hopperApertureSys
	default:
		panic(fmt.Sprintf("directories cannot live in %s", child.Addr.Aperture))
	}

	pde := field(aperture, hopperPTEAperture, 2)
	pde |= field(hopperPDEPCFUncachedATSOK, hopperPTEPCFLo, 5)
	pde |= field(child.Addr.Address>>shift, lo, width)

	return pde
}

func (h *hopper) DecodePTE(raw uint64) PTEFields {
	pcf := getField(raw, hopperPTEPCFLo, 5)

	f := PTEFields{Valid: bit(raw, hopperPTEValid)}
	if !f.Valid {
		f.Sparse = raw == h.MakeSparsePTE()
		return f
	}

	f.Privileged = pcf&hopperPCFPrivilege != 0
	f.Kind = uint8(getField(raw, hopperPTEKindLo, 4))
	f.Address = getField(raw, hopperPTEAddrLo, hopperPTEAddrW) << 12

	switch getField(raw, hopperPTEAperture, 2) {
	case 0:
		f.Aperture = vm.ApertureVid
	case hopperAperturePeer:
		f.Aperture = vm.AperturePeer(int(getField(raw, hopperPTEPeerLo, 3)))
	default:
		f.Aperture = vm.ApertureSys
	}

	switch {
	case pcf&hopperPCFReadOnly != 0:
		f.Prot = vm.ProtReadOnly
	case pcf&hopperPCFNoAtomic != 0:
		f.Prot = vm.ProtReadWrite
	default:
		f.Prot = vm.ProtReadWriteAtomic
	}

	if pcf&hopperPCFUncached == 0 {
		f.Flags |= vm.PTEFlagCached
	}

	if pcf&hopperPCFACD != 0 {
		f.Flags |= vm.PTEFlagAccessCountersDisabled
	}

	return f
}

func (h *hopper) DecodePDE(entry []uint64, depth int) [2]PDEFields {
	var halves [2]PDEFields

	if depth != hopperDualDepth {
		halves[0] = hopperDecodeHalf(entry[0], hopperPDEAddrLo, hopperPDEAddrW, 12)
		return halves
	}

	halves[ChildBig] = hopperDecodeHalf(entry[ChildBig],
		hopperPDEBigAddrLo, hopperPDEBigAddrW, 8)
	halves[ChildSmall] = hopperDecodeHalf(entry[ChildSmall],
		hopperPDEAddrLo, hopperPDEAddrW, 12)

	return halves
}

func hopperDecodeHalf(raw uint64, lo, width, shift int) PDEFields {
	a := getField(raw, hopperPTEAperture, 2)
	if a == 0 {
		return PDEFields{}
	}

	return PDEFields{
		Present:  true,
		Aperture: decodeDirAperture(a, hopperApertureVid),
		Address:  getField(raw, lo, width) << shift,
	}
}
