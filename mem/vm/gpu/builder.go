package gpu

import (
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

// A Builder can build simulated GPUs.
type Builder struct {
	arch              mmuhal.Arch
	bigPageSize       uint64
	vidmemSize        uint64
	sysmemSize        uint64
	cePhysVidmemWrite bool
	atsEnabled        bool
	noATSRange        bool
	tlbCaps           tlbbatch.Caps
	tlbSets           int
	tlbWays           int
	channelDepth      int
	dynamicVidmem     bool
	dynamicSysmem     bool
	sysmemWindowSize  uint64
	virtualPeerCopy   bool
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		arch:              mmuhal.ArchAmpere,
		bigPageSize:       vm.PageSize64K,
		vidmemSize:        1 << 30,
		sysmemSize:        4 << 30,
		cePhysVidmemWrite: true,
		tlbCaps: tlbbatch.Caps{
			VAInvalidateSupported:      true,
			VARangeInvalidateSupported: true,
			MaxPages:                   1 << 16,
			MaxRanges:                  16,
		},
		tlbSets:          64,
		tlbWays:          16,
		channelDepth:     32,
		sysmemWindowSize: flatmap.DefaultSysmemWindowSize,
	}
}

// WithArch sets the architecture of the GPU.
func (b Builder) WithArch(a mmuhal.Arch) Builder {
	b.arch = a
	return b
}

// WithBigPageSize sets the big page size of the kernel tree.
func (b Builder) WithBigPageSize(s uint64) Builder {
	b.bigPageSize = s
	return b
}

// WithVidmemSize sets the amount of video memory.
func (b Builder) WithVidmemSize(s uint64) Builder {
	b.vidmemSize = s
	return b
}

// WithSysmemSize sets the amount of system memory the GPU can use.
func (b Builder) WithSysmemSize(s uint64) Builder {
	b.sysmemSize = s
	return b
}

// WithCEPhysVidmemWrite sets whether the copy engine can write video memory
// through physical addresses. Without it, video memory is written through
// the static flat mapping.
func (b Builder) WithCEPhysVidmemWrite(supported bool) Builder {
	b.cePhysVidmemWrite = supported
	return b
}

// WithATS enables address translation services. noATSRange makes user trees
// guard the CPU address hole.
func (b Builder) WithATS(noATSRange bool) Builder {
	b.atsEnabled = true
	b.noATSRange = noATSRange

	return b
}

// WithTLBCaps sets the invalidates the GPU supports.
func (b Builder) WithTLBCaps(caps tlbbatch.Caps) Builder {
	b.tlbCaps = caps
	return b
}

// WithTLBSize sets the geometry of the TLB.
func (b Builder) WithTLBSize(sets, ways int) Builder {
	b.tlbSets = sets
	b.tlbWays = ways

	return b
}

// WithChannelDepth sets how many pushes a channel holds in flight.
func (b Builder) WithChannelDepth(n int) Builder {
	b.channelDepth = n
	return b
}

// WithDynamicVidmemMapping maps video memory one root chunk at a time.
func (b Builder) WithDynamicVidmemMapping() Builder {
	b.dynamicVidmem = true
	return b
}

// WithDynamicSysmemMapping maps system memory in windows of windowSize
// bytes.
func (b Builder) WithDynamicSysmemMapping(windowSize uint64) Builder {
	b.dynamicSysmem = true
	b.sysmemWindowSize = windowSize

	return b
}

// WithVirtualPeerCopy maps the memory of peers into the kernel tree.
func (b Builder) WithVirtualPeerCopy() Builder {
	b.virtualPeerCopy = true
	return b
}

// Build creates the device, its kernel tree and its flat mappings.
func (b Builder) Build(name string) (*Device, error) {
	hal, err := mmuhal.ForArch(b.arch, b.bigPageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s", name)
	}

	if b.vidmemSize == 0 || b.sysmemSize == 0 {
		return nil, errors.Wrapf(vm.ErrInvalidArgument, "%s needs memory", name)
	}

	d := &Device{
		NamedBase:         sim.MakeNamedBase(name),
		arch:              b.arch,
		bigPageSize:       b.bigPageSize,
		vidStorage:        memory.NewStorage(b.vidmemSize),
		sysStorage:        memory.NewStorage(b.sysmemSize),
		tlbCaps:           b.tlbCaps,
		cePhysVidmemWrite: b.cePhysVidmemWrite,
		atsEnabled:        b.atsEnabled,
		noATSRange:        b.noATSRange,
		log:               logrus.WithField("component", name),
	}

	d.vidmem = pmm.NewVidmem(name+".Vidmem", b.vidmemSize)
	d.sysmem = pmm.NewSysmem(name+".Sysmem", b.sysmemSize, d.sysStorage)
	d.host = &hostMemory{device: d}
	d.pushes = push.NewManager(name+".Pushes", d, b.channelDepth)
	d.tlb = tlb.MakeBuilder().
		WithNumSets(b.tlbSets).
		WithNumWays(b.tlbWays).
		WithPageSizes(hal.PageSizes()).
		Build(name + ".TLB")
	d.walker = mmu.MakeBuilder().
		WithHAL(hal).
		WithReader(d).
		Build()

	if err := b.buildKernelSpace(d); err != nil {
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"arch":     b.arch,
		"vidmem":   b.vidmemSize,
		"sysmem":   b.sysmemSize,
		"ce_write": b.cePhysVidmemWrite,
	}).Debug("device built")

	return d, nil
}

func (b Builder) buildKernelSpace(d *Device) error {
	kernelTree, err := pagetree.MakeBuilder().
		WithDevice(d).
		WithKind(pagetree.KindKernel).
		WithBigPageSize(b.bigPageSize).
		Build(d.Name() + ".KernelTree")
	if err != nil {
		d.pushes.Shutdown()
		return errors.Wrapf(err, "building the kernel tree of %s", d.Name())
	}

	d.kernelTree = kernelTree

	fb := flatmap.MakeBuilder().
		WithTree(kernelTree).
		WithVidmemSize(b.vidmemSize).
		WithSysmemSize(b.sysmemSize)

	if !b.cePhysVidmemWrite {
		fb = fb.WithStaticVidmem()
	}

	if b.dynamicVidmem {
		fb = fb.WithDynamicVidmem()
	}

	if b.dynamicSysmem {
		fb = fb.WithDynamicSysmem(b.sysmemWindowSize)
	}

	if b.virtualPeerCopy {
		fb = fb.WithVirtualPeerCopy()
	}

	flat, err := fb.Build(d.Name() + ".Flat")
	if err != nil {
		var result *multierror.Error
		result = multierror.Append(result, errors.Wrapf(err, "building the flat mappings of %s", d.Name()))

		if waitErr := kernelTree.Wait(); waitErr != nil {
			result = multierror.Append(result, waitErr)
		}

		kernelTree.Deinit()
		d.kernelTree = nil
		d.pushes.Shutdown()

		return result.ErrorOrNil()
	}

	d.flat = flat

	return nil
}
