// Package pagetree manages the multi-level page tables of a GPU address
// space. Directories are allocated lazily as ranges of leaf entries are
// reserved, published to the GPU bottom-up, and freed again with a TLB
// invalidate once their last entry is released.
package pagetree

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/mem/vm/tlbbatch"
)

// maxOperationDepth bounds the number of levels of any supported tree.
const maxOperationDepth = 6

// Kind tells whether a tree translates user or kernel addresses.
type Kind int

// The tree kinds.
const (
	KindUser Kind = iota
	KindKernel
)

func (k Kind) String() string {
	if k == KindKernel {
		return "kernel"
	}

	return "user"
}

// A HostMapping gives the CPU access to an allocation.
type HostMapping interface {
	// Write stores words starting offset bytes into the allocation.
	Write(offset uint64, words []uint64)

	// Fill stores count copies of word starting offset bytes into the
	// allocation.
	Fill(offset uint64, word uint64, count int)

	// Unmap releases the mapping.
	Unmap()
}

// HostMemory is the CPU view of the memory page tables live in.
type HostMemory interface {
	Map(alloc vm.Allocation) HostMapping

	// WriteBarrier orders the CPU writes made so far before any later write
	// and before any work submitted afterwards.
	WriteBarrier()
}

// A Device is the GPU a tree belongs to.
type Device interface {
	Name() string
	Arch() mmuhal.Arch

	Vidmem() pmm.VidmemAllocator
	Sysmem() pmm.SysmemAllocator
	Pushes() *push.Manager
	Host() HostMemory

	// GPUAddress returns the address the copy engine uses to reach pa.
	GPUAddress(pa vm.PhysAddr) vm.GPUAddress

	// CEPhysVidmemWriteSupported tells if the copy engine can write video
	// memory through physical addresses.
	CEPhysVidmemWriteSupported() bool

	// FlatMappingReady tells if video memory can be reached through the
	// static flat mapping.
	FlatMappingReady() bool

	TLBCaps() tlbbatch.Caps
	ATSEnabled() bool
	NoATSRangeRequired() bool
}

// UnaddressableRange is the hole of the CPU virtual address space.
// Addresses in [MaxVALower, MinVAUpper) cannot be used by the CPU.
type UnaddressableRange struct {
	MaxVALower uint64
	MinVAUpper uint64

	// Canonical tells if the upper half of the address space is in use.
	Canonical bool
}

// CPUUnaddressableRange is the hole of a 48-bit canonical CPU address space.
var CPUUnaddressableRange = UnaddressableRange{
	MaxVALower: 1 << 47,
	MinVAUpper: 0xffff800000000000,
	Canonical:  true,
}

var (
	locationLock sync.Mutex
	locationSet  string
)

// SetPageTableLocation sets where the page tables of trees built with the
// default location live. "" keeps them in video memory with a fallback to
// system memory, "vid" and "sys" force the aperture.
func SetPageTableLocation(s string) error {
	switch s {
	case "", "vid", "sys":
	default:
		return errors.Wrapf(vm.ErrInvalidArgument,
			"page table location %q, want vid or sys", s)
	}

	locationLock.Lock()
	defer locationLock.Unlock()

	locationSet = s

	return nil
}

// PageTableLocation returns the current page-table location setting.
func PageTableLocation() string {
	locationLock.Lock()
	defer locationLock.Unlock()

	return locationSet
}

// resolveLocation turns a requested aperture into the aperture page tables
// are allocated from and whether falling back to system memory is allowed.
func resolveLocation(requested vm.Aperture) (vm.Aperture, bool) {
	if requested != vm.ApertureDefault {
		return requested, false
	}

	switch PageTableLocation() {
	case "vid":
		return vm.ApertureVid, false
	case "sys":
		return vm.ApertureSys, false
	}

	return vm.ApertureVid, true
}

// A Directory is one node of a page tree. Entries holds the children of
// directory levels, indexed by entry index times entries per index plus the
// entry offset of the child's page size.
type Directory struct {
	Depth    int
	Alloc    vm.Allocation
	RefCount uint32

	// Parent is nil for the root. The parent owns its children.
	Parent *Directory
	Index  uint32

	Entries []*Directory
}

// A Range is a run of entries of one page table.
type Range struct {
	Table      *Directory
	StartIndex uint32
	EntryCount uint32
	PageSize   uint64
}

// Aperture returns the aperture of the table holding the range.
func (r *Range) Aperture() vm.Aperture {
	return r.Table.Alloc.Addr.Aperture
}
