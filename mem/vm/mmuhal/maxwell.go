package mmuhal

import (
	"fmt"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// Maxwell has a two-level tree. The root is a dual directory whose entries
// point at both a big-page table and a 4K table, packed into one qword.
type maxwell struct {
	bigPageSize uint64
	pdeBits     int
	bigPTEBits  int
	smallBits   int
}

func newMaxwell(bigPageSize uint64) *maxwell {
	m := &maxwell{bigPageSize: bigPageSize}

	if bigPageSize == vm.PageSize64K {
		m.pdeBits, m.smallBits, m.bigPTEBits = 14, 14, 10
	} else {
		m.pdeBits, m.smallBits, m.bigPTEBits = 13, 15, 10
	}

	return m
}

const (
	maxwellApertureVid = 1
	maxwellApertureSys = 2

	maxwellPTEApertureVid  = 0
	maxwellPTEAperturePeer = 1
	maxwellPTEApertureSys  = 2

	maxwellPTEValid      = 0
	maxwellPTEPrivilege  = 1
	maxwellPTEReadOnly   = 2
	maxwellPTEAddrLo     = 4
	maxwellPTEVidWidth   = 25
	maxwellPTESysWidth   = 28
	maxwellPTEPeerLo     = 29
	maxwellPTEVol        = 32
	maxwellPTEApertureLo = 33
	maxwellPTEWriteDis   = 63

	maxwellPDEBigApertureLo   = 0
	maxwellPDEBigAddrLo       = 4
	maxwellPDESmallApertureLo = 32
	maxwellPDEVolSmall        = 34
	maxwellPDEVolBig          = 35
	maxwellPDESmallAddrLo     = 36
	maxwellPDEAddrWidth       = 28
)

func (m *maxwell) Arch() Arch          { return ArchMaxwell }
func (m *maxwell) BigPageSize() uint64 { return m.bigPageSize }
func (m *maxwell) NumVABits() int      { return 40 }

func (m *maxwell) PageSizes() vm.PageSizes {
	return vm.PageSizes(vm.PageSize4K | m.bigPageSize)
}

func (m *maxwell) EntrySize(depth int) int {
	m.mustBeValidDepth(depth)
	return 8
}

func (m *maxwell) EntriesPerIndex(depth int) int {
	m.mustBeValidDepth(depth)

	if depth == 0 {
		return 2
	}

	return 1
}

func (m *maxwell) EntryOffset(depth int, pageSize uint64) int {
	if depth == 0 && pageSize == vm.PageSize4K {
		return ChildSmall
	}

	return ChildBig
}

func (m *maxwell) IndexBits(depth int, pageSize uint64) int {
	m.mustBeValidDepth(depth)

	switch {
	case depth == 0:
		return m.pdeBits
	case pageSize == vm.PageSize4K:
		return m.smallBits
	case pageSize == m.bigPageSize:
		return m.bigPTEBits
	}

	panic(fmt.Sprintf("maxwell: invalid page size %s", vm.PageSizeString(pageSize)))
}

func (m *maxwell) AllocationSize(depth int, pageSize uint64) uint64 {
	return 8 << m.IndexBits(depth, pageSize)
}

func (m *maxwell) PageTableDepth(_ uint64) int {
	return 1
}

func (m *maxwell) mustBeValidDepth(depth int) {
	if depth < 0 || depth > 1 {
		panic(fmt.Sprintf("maxwell: invalid depth %d", depth))
	}
}

func (m *maxwell) MakePTE(
	aperture vm.Aperture,
	addr uint64,
	prot vm.Prot,
	flags vm.PTEFlags,
) uint64 {
	mustMapPTE(ArchMaxwell, aperture, prot)

	pte := uint64(1) << maxwellPTEValid

	switch {
	case aperture == vm.ApertureSys:
		pte |= field(maxwellPTEApertureSys, maxwellPTEApertureLo, 2)
		pte |= field(addr>>12, maxwellPTEAddrLo, maxwellPTESysWidth)
	case aperture == vm.ApertureVid:
		pte |= field(maxwellPTEApertureVid, maxwellPTEApertureLo, 2)
		pte |= field(addr>>12, maxwellPTEAddrLo, maxwellPTEVidWidth)
	default:
		pte |= field(maxwellPTEAperturePeer, maxwellPTEApertureLo, 2)
		pte |= field(addr>>12, maxwellPTEAddrLo, maxwellPTEVidWidth)
		pte |= field(uint64(aperture.PeerID()), maxwellPTEPeerLo, 3)
	}

	pte |= boolBit(flags&vm.PTEFlagCached == 0, maxwellPTEVol)

	if prot == vm.ProtReadOnly {
		pte |= 1 << maxwellPTEReadOnly
		pte |= 1 << maxwellPTEWriteDis
	}

	return pte
}

func (m *maxwell) MakeSkedReflectedPTE() uint64 {
	panic("maxwell: SKED reflected PTEs are not supported")
}

func (m *maxwell) MakeSparsePTE() uint64 {
	panic("maxwell: sparse PTEs are not supported")
}

func (m *maxwell) UnmappedPTE(pageSize uint64) uint64 {
	if pageSize == vm.PageSize4K {
		return 0
	}

	return 1 << maxwellPTEPrivilege
}

func (m *maxwell) PoisonedPTE() uint64 {
	pte := m.MakePTE(vm.ApertureVid, 0x1bad000000, vm.ProtReadOnly, vm.PTEFlagsNone)
	return pte | 1<<maxwellPTEPrivilege
}

func (m *maxwell) MakePDE(
	entry []uint64,
	children [2]*vm.Allocation,
	depth int,
	_ uint32,
) {
	if depth != 0 {
		panic(fmt.Sprintf("maxwell: no directory at depth %d", depth))
	}

	pde := uint64(0)

	if big := children[ChildBig]; big != nil {
		pde |= field(maxwellPDEAperture(big.Addr.Aperture), maxwellPDEBigApertureLo, 2)
		pde |= field(big.Addr.Address>>12, maxwellPDEBigAddrLo, maxwellPDEAddrWidth)
		pde |= 1 << maxwellPDEVolBig
	}

	if small := children[ChildSmall]; small != nil {
		pde |= field(maxwellPDEAperture(small.Addr.Aperture), maxwellPDESmallApertureLo, 2)
		pde |= field(small.Addr.Address>>12, maxwellPDESmallAddrLo, maxwellPDEAddrWidth)
		pde |= 1 << maxwellPDEVolSmall
	}

	entry[0] = pde
}

func maxwellPDEAperture(a vm.Aperture) uint64 {
	switch a {
	case vm.ApertureVid:
		return maxwellApertureVid
	case vm.ApertureSys:
		return maxwellApertureSys
	}

	panic(fmt.Sprintf("maxwell: directories cannot live in %s", a))
}

func (m *maxwell) DecodePTE(raw uint64) PTEFields {
	f := PTEFields{
		Valid:      bit(raw, maxwellPTEValid),
		Privileged: bit(raw, maxwellPTEPrivilege),
	}

	if !f.Valid {
		return f
	}

	switch getField(raw, maxwellPTEApertureLo, 2) {
	case maxwellPTEApertureVid:
		f.Aperture = vm.ApertureVid
		f.Address = getField(raw, maxwellPTEAddrLo, maxwellPTEVidWidth) << 12
	case maxwellPTEAperturePeer:
		f.Aperture = vm.AperturePeer(int(getField(raw, maxwellPTEPeerLo, 3)))
		f.Address = getField(raw, maxwellPTEAddrLo, maxwellPTEVidWidth) << 12
	default:
		f.Aperture = vm.ApertureSys
		f.Address = getField(raw, maxwellPTEAddrLo, maxwellPTESysWidth) << 12
	}

	// Writable Maxwell mappings always allow atomics.
	f.Prot = vm.ProtReadWriteAtomic
	if bit(raw, maxwellPTEReadOnly) {
		f.Prot = vm.ProtReadOnly
	}

	if !bit(raw, maxwellPTEVol) {
		f.Flags |= vm.PTEFlagCached
	}

	return f
}

func (m *maxwell) DecodePDE(entry []uint64, _ int) [2]PDEFields {
	var halves [2]PDEFields

	pde := entry[0]

	if a := getField(pde, maxwellPDEBigApertureLo, 2); a != 0 {
		halves[ChildBig] = PDEFields{
			Present:  true,
			Aperture: decodeDirAperture(a, maxwellApertureVid),
			Address:  getField(pde, maxwellPDEBigAddrLo, maxwellPDEAddrWidth) << 12,
		}
	}

	if a := getField(pde, maxwellPDESmallApertureLo, 2); a != 0 {
		halves[ChildSmall] = PDEFields{
			Present:  true,
			Aperture: decodeDirAperture(a, maxwellApertureVid),
			Address:  getField(pde, maxwellPDESmallAddrLo, maxwellPDEAddrWidth) << 12,
		}
	}

	return halves
}

func decodeDirAperture(v, vid uint64) vm.Aperture {
	if v == vid {
		return vm.ApertureVid
	}

	return vm.ApertureSys
}
