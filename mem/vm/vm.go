// Package vm defines the vocabulary shared by the GPU MMU packages: physical
// apertures, protections, memory barriers, page sizes and backing-store
// allocations.
package vm

import (
	"fmt"
	"math/bits"
	"strings"
)

// Aperture identifies the physical address domain an address refers to.
type Aperture int

// The peer apertures come first so that a peer ID can be used as an
// aperture directly.
const (
	AperturePeer0 Aperture = iota
	AperturePeer1
	AperturePeer2
	AperturePeer3
	AperturePeer4
	AperturePeer5
	AperturePeer6
	AperturePeer7
	ApertureSys
	ApertureVid
	ApertureDefault
)

// MaxPeers is the number of peer apertures.
const MaxPeers = 8

// AperturePeer returns the aperture of the given peer.
func AperturePeer(id int) Aperture {
	if id < 0 || id >= MaxPeers {
		panic(fmt.Sprintf("invalid peer id %d", id))
	}

	return Aperture(id)
}

// IsPeer returns true if the aperture refers to a peer GPU's memory.
func (a Aperture) IsPeer() bool {
	return a >= AperturePeer0 && a <= AperturePeer7
}

// PeerID returns the peer index of a peer aperture.
func (a Aperture) PeerID() int {
	if !a.IsPeer() {
		panic(fmt.Sprintf("aperture %s is not a peer", a))
	}

	return int(a - AperturePeer0)
}

func (a Aperture) String() string {
	switch {
	case a.IsPeer():
		return fmt.Sprintf("peer%d", a.PeerID())
	case a == ApertureSys:
		return "sys"
	case a == ApertureVid:
		return "vid"
	case a == ApertureDefault:
		return "default"
	}

	return fmt.Sprintf("aperture(%d)", int(a))
}

// Prot is the access protection of a mapping.
type Prot int

// Protections, from the most to the least restrictive.
const (
	ProtNone Prot = iota
	ProtReadOnly
	ProtReadWrite
	ProtReadWriteAtomic
)

func (p Prot) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtReadOnly:
		return "ro"
	case ProtReadWrite:
		return "rw"
	case ProtReadWriteAtomic:
		return "rwa"
	}

	return fmt.Sprintf("prot(%d)", int(p))
}

// Membar is the scope of a memory barrier.
type Membar int

// Barrier scopes. A larger value is a wider scope.
const (
	MembarNone Membar = iota
	MembarGPU
	MembarSys
)

func (m Membar) String() string {
	switch m {
	case MembarNone:
		return "none"
	case MembarGPU:
		return "gpu"
	case MembarSys:
		return "sys"
	}

	return fmt.Sprintf("membar(%d)", int(m))
}

// MaxMembar returns the wider of the two barrier scopes.
func MaxMembar(a, b Membar) Membar {
	if a > b {
		return a
	}

	return b
}

// MembarForAperture returns the barrier needed to order writes to memory in
// the given aperture.
func MembarForAperture(a Aperture) Membar {
	if a == ApertureVid {
		return MembarGPU
	}

	return MembarSys
}

// PTEFlags are the optional attributes of a leaf entry.
type PTEFlags uint32

// PTE flags.
const (
	PTEFlagsNone                  PTEFlags = 0
	PTEFlagCached                 PTEFlags = 1 << 0
	PTEFlagAccessCountersDisabled PTEFlags = 1 << 1
)

// Page sizes supported by at least one GPU architecture. PageSizeAgnostic
// asks for a property that does not depend on the page size.
const (
	PageSizeAgnostic uint64 = 0
	PageSize4K       uint64 = 4 << 10
	PageSize64K      uint64 = 64 << 10
	PageSize128K     uint64 = 128 << 10
	PageSize2M       uint64 = 2 << 20
	PageSize512M     uint64 = 512 << 20
	PageSize256G     uint64 = 256 << 30
)

// PageSizes is a set of page sizes, stored as a bit mask of the sizes.
type PageSizes uint64

// Has returns true if the page size is in the set.
func (p PageSizes) Has(pageSize uint64) bool {
	return pageSize != 0 && uint64(p)&pageSize == pageSize
}

// Biggest returns the biggest page size in the set, or 0 for an empty set.
func (p PageSizes) Biggest() uint64 {
	if p == 0 {
		return 0
	}

	return 1 << (63 - bits.LeadingZeros64(uint64(p)))
}

// Smallest returns the smallest page size in the set, or 0 for an empty set.
func (p PageSizes) Smallest() uint64 {
	if p == 0 {
		return 0
	}

	return 1 << bits.TrailingZeros64(uint64(p))
}

// List returns the page sizes in ascending order.
func (p PageSizes) List() []uint64 {
	var sizes []uint64

	for m := uint64(p); m != 0; m &= m - 1 {
		sizes = append(sizes, 1<<bits.TrailingZeros64(m))
	}

	return sizes
}

func (p PageSizes) String() string {
	names := make([]string, 0, 4)
	for _, s := range p.List() {
		names = append(names, PageSizeString(s))
	}

	return strings.Join(names, "|")
}

// PageSizeString formats a page size as 4K, 2M, 512M, ...
func PageSizeString(pageSize uint64) string {
	switch {
	case pageSize == 0:
		return "agnostic"
	case pageSize >= 1<<30 && pageSize%(1<<30) == 0:
		return fmt.Sprintf("%dG", pageSize>>30)
	case pageSize >= 1<<20 && pageSize%(1<<20) == 0:
		return fmt.Sprintf("%dM", pageSize>>20)
	case pageSize >= 1<<10 && pageSize%(1<<10) == 0:
		return fmt.Sprintf("%dK", pageSize>>10)
	}

	return fmt.Sprintf("%d", pageSize)
}

// PhysAddr is a physical address within an aperture.
type PhysAddr struct {
	Address  uint64
	Aperture Aperture
}

func (a PhysAddr) String() string {
	return fmt.Sprintf("%s:0x%x", a.Aperture, a.Address)
}

// GPUAddress is an address as seen by a GPU engine. It is either a physical
// address or a virtual address translated by the GPU's kernel page tree.
type GPUAddress struct {
	Address  uint64
	Aperture Aperture
	Virtual  bool
}

// PhysicalGPUAddress returns the physical GPU address of a physical address.
func PhysicalGPUAddress(pa PhysAddr) GPUAddress {
	return GPUAddress{Address: pa.Address, Aperture: pa.Aperture}
}

// VirtualGPUAddress returns a virtual GPU address.
func VirtualGPUAddress(va uint64) GPUAddress {
	return GPUAddress{Address: va, Virtual: true}
}

// Offset returns the address moved forward by n bytes.
func (a GPUAddress) Offset(n uint64) GPUAddress {
	a.Address += n
	return a
}

func (a GPUAddress) String() string {
	if a.Virtual {
		return fmt.Sprintf("va:0x%x", a.Address)
	}

	return fmt.Sprintf("%s:0x%x", a.Aperture, a.Address)
}

// Allocation is a physically contiguous block of memory backing a page
// directory or page table. Handle is owned by the allocator that produced it.
type Allocation struct {
	Addr   PhysAddr
	Size   uint64
	Handle any
}

// IsAligned returns true if v is a multiple of alignment, which must be a
// power of two.
func IsAligned(v, alignment uint64) bool {
	return v&(alignment-1) == 0
}

// AlignDown rounds v down to a multiple of alignment.
func AlignDown(v, alignment uint64) uint64 {
	return v &^ (alignment - 1)
}

// AlignUp rounds v up to a multiple of alignment.
func AlignUp(v, alignment uint64) uint64 {
	return AlignDown(v+alignment-1, alignment)
}
