// Package gpu simulates the GPU page trees are built for. The device keeps
// video and system memory, executes pushes against them and translates
// virtual addresses by walking the kernel page tree through its TLB.
package gpu

import (
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/flatmap"
	"github.com/sarchlab/gpuvm/mem/vm/mmu"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/mem/vm/tlb"
	"github.com/sarchlab/gpuvm/mem/vm/tlbbatch"
	"github.com/sarchlab/gpuvm/memory"
	"github.com/sarchlab/gpuvm/sim"
	"github.com/sirupsen/logrus"
)

// ErrPhysicalVidmemWrite is returned when a push writes video memory
// through a physical address on a copy engine that cannot.
var ErrPhysicalVidmemWrite = errors.New(
	"copy engine cannot write video memory through physical addresses")

// Stats counts what a device executed.
type Stats struct {
	Pushes       uint64
	Commands     uint64
	BytesWritten uint64
	Invalidates  uint64
	Walks        uint64
	Faults       uint64
	TLB          tlb.Stats
	Flat         flatmap.Stats
}

type counters struct {
	pushes       atomic.Uint64
	commands     atomic.Uint64
	bytesWritten atomic.Uint64
	invalidates  atomic.Uint64
	walks        atomic.Uint64
	faults       atomic.Uint64
}

// A Device is a simulated GPU.
type Device struct {
	sim.NamedBase

	arch        mmuhal.Arch
	bigPageSize uint64

	vidStorage *memory.Storage
	sysStorage *memory.Storage
	vidmem     *pmm.Vidmem
	sysmem     *pmm.Sysmem
	pushes     *push.Manager
	host       *hostMemory
	tlb        *tlb.TLB
	walker     *mmu.Walker

	tlbCaps           tlbbatch.Caps
	cePhysVidmemWrite bool
	atsEnabled        bool
	noATSRange        bool

	kernelTree *pagetree.Tree
	flat       *flatmap.Manager

	counters counters
	log      *logrus.Entry
}

// Arch returns the architecture of the device.
func (d *Device) Arch() mmuhal.Arch {
	return d.arch
}

// Vidmem returns the video-memory allocator.
func (d *Device) Vidmem() pmm.VidmemAllocator {
	return d.vidmem
}

// Sysmem returns the system-memory allocator.
func (d *Device) Sysmem() pmm.SysmemAllocator {
	return d.sysmem
}

// VidmemAllocator returns the video-memory allocator with its user-chunk
// and statistics methods.
func (d *Device) VidmemAllocator() *pmm.Vidmem {
	return d.vidmem
}

// SysmemAllocator returns the system-memory allocator with its accounting
// methods.
func (d *Device) SysmemAllocator() *pmm.Sysmem {
	return d.sysmem
}

// Pushes returns the channels of the device.
func (d *Device) Pushes() *push.Manager {
	return d.pushes
}

// Host returns the CPU view of device memory.
func (d *Device) Host() pagetree.HostMemory {
	return d.host
}

// GPUAddress returns the address the copy engine uses to reach pa.
func (d *Device) GPUAddress(pa vm.PhysAddr) vm.GPUAddress {
	if d.flat == nil {
		return vm.PhysicalGPUAddress(pa)
	}

	return d.flat.GPUAddress(pa)
}

// CEPhysVidmemWriteSupported tells if pushes may write video memory through
// physical addresses.
func (d *Device) CEPhysVidmemWriteSupported() bool {
	return d.cePhysVidmemWrite
}

// FlatMappingReady tells if the static video-memory mapping exists.
func (d *Device) FlatMappingReady() bool {
	return d.flat.StaticReady()
}

// TLBCaps returns the invalidates the device supports.
func (d *Device) TLBCaps() tlbbatch.Caps {
	return d.tlbCaps
}

// ATSEnabled tells if the device translates through the CPU page tables.
func (d *Device) ATSEnabled() bool {
	return d.atsEnabled
}

// NoATSRangeRequired tells if user trees must guard the CPU address hole.
func (d *Device) NoATSRangeRequired() bool {
	return d.noATSRange
}

// KernelTree returns the page tree of the kernel address space.
func (d *Device) KernelTree() *pagetree.Tree {
	return d.kernelTree
}

// Flat returns the identity mappings of the kernel tree.
func (d *Device) Flat() *flatmap.Manager {
	return d.flat
}

// TLB returns the translation cache of the device.
func (d *Device) TLB() *tlb.TLB {
	return d.tlb
}

// Walker returns the page-table walker of the device.
func (d *Device) Walker() *mmu.Walker {
	return d.walker
}

// Storage returns the memory behind an aperture, or nil.
func (d *Device) Storage(a vm.Aperture) *memory.Storage {
	switch a {
	case vm.ApertureVid:
		return d.vidStorage
	case vm.ApertureSys:
		return d.sysStorage
	}

	return nil
}

// ReadUint64 reads a word of physical memory.
func (d *Device) ReadUint64(pa vm.PhysAddr) (uint64, error) {
	s := d.Storage(pa.Aperture)
	if s == nil {
		return 0, errors.Wrapf(vm.ErrInvalidAddress, "no memory behind %s", pa)
	}

	return s.ReadUint64(pa.Address)
}

// Translate returns the translation of va in the tree rooted at pdb. It
// walks the tree on a TLB miss.
func (d *Device) Translate(pdb vm.PhysAddr, va uint64) (mmu.Translation, error) {
	if t, found := d.tlb.Lookup(pdb, va); found {
		return t, nil
	}

	d.counters.walks.Add(1)

	t, _, err := d.walker.Walk(pdb, va)
	if err != nil {
		d.counters.faults.Add(1)
		return mmu.Translation{}, err
	}

	d.tlb.Insert(pdb, t)

	return t, nil
}

// ReadVirtual reads a word at va of the tree rooted at pdb.
func (d *Device) ReadVirtual(pdb vm.PhysAddr, va uint64) (uint64, error) {
	t, err := d.Translate(pdb, va)
	if err != nil {
		return 0, err
	}

	return d.ReadUint64(t.PA)
}

// Stats returns the counters of the device.
func (d *Device) Stats() Stats {
	s := Stats{
		Pushes:       d.counters.pushes.Load(),
		Commands:     d.counters.commands.Load(),
		BytesWritten: d.counters.bytesWritten.Load(),
		Invalidates:  d.counters.invalidates.Load(),
		Walks:        d.counters.walks.Load(),
		Faults:       d.counters.faults.Load(),
		TLB:          d.tlb.Stats(),
	}

	if d.flat != nil {
		s.Flat = d.flat.Stats()
	}

	return s
}

// Destroy removes the flat mappings, tears the kernel tree down and stops
// the channels.
func (d *Device) Destroy() error {
	var result *multierror.Error

	if d.flat != nil {
		if err := d.flat.Destroy(); err != nil {
			result = multierror.Append(result, err)
		}

		d.flat = nil
	}

	if d.kernelTree != nil {
		if err := d.kernelTree.Wait(); err != nil {
			result = multierror.Append(result, err)
		}

		d.kernelTree.Deinit()
		d.kernelTree = nil
	}

	d.pushes.Shutdown()

	if err := result.ErrorOrNil(); err != nil {
		d.log.WithError(err).Warn("device teardown failed")
		return err
	}

	return nil
}
