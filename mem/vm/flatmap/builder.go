package flatmap

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sirupsen/logrus"
)

// A Builder can build flat-mapping managers.
type Builder struct {
	tree              *pagetree.Tree
	vidmemSize        uint64
	sysmemSize        uint64
	maxVidmemPageSize uint64
	staticVidmem      bool
	dynamicVidmem     bool
	dynamicSysmem     bool
	sysmemWindowSize  uint64
	virtualPeerCopy   bool
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		maxVidmemPageSize: vm.PageSize2M,
		sysmemWindowSize:  DefaultSysmemWindowSize,
	}
}

// WithTree sets the kernel tree the mappings are made in.
func (b Builder) WithTree(t *pagetree.Tree) Builder {
	b.tree = t
	return b
}

// WithVidmemSize sets the amount of video memory to map.
func (b Builder) WithVidmemSize(size uint64) Builder {
	b.vidmemSize = size
	return b
}

// WithSysmemSize sets the amount of system memory the sysmem windows cover.
func (b Builder) WithSysmemSize(size uint64) Builder {
	b.sysmemSize = size
	return b
}

// WithMaxVidmemPageSize caps the page size of video-memory mappings.
func (b Builder) WithMaxVidmemPageSize(size uint64) Builder {
	b.maxVidmemPageSize = size
	return b
}

// WithStaticVidmem maps all of video memory at build time.
func (b Builder) WithStaticVidmem() Builder {
	b.staticVidmem = true
	return b
}

// WithDynamicVidmem maps video memory one root chunk at a time.
func (b Builder) WithDynamicVidmem() Builder {
	b.dynamicVidmem = true
	return b
}

// WithDynamicSysmem maps system memory in windows of windowSize bytes.
func (b Builder) WithDynamicSysmem(windowSize uint64) Builder {
	b.dynamicSysmem = true
	b.sysmemWindowSize = windowSize

	return b
}

// WithVirtualPeerCopy maps the memory of peers.
func (b Builder) WithVirtualPeerCopy() Builder {
	b.virtualPeerCopy = true
	return b
}

func (b Builder) validate(l Layout) error {
	switch {
	case b.tree == nil:
		return errors.Wrap(vm.ErrInvalidDevice, "flat mappings need a kernel tree")
	case b.tree.Kind() != pagetree.KindKernel:
		return errors.Wrap(vm.ErrInvalidArgument, "flat mappings live in the kernel tree")
	case b.staticVidmem && b.dynamicVidmem:
		return errors.Wrap(vm.ErrInvalidArgument,
			"video memory is mapped either statically or dynamically")
	case b.staticVidmem && b.vidmemSize == 0:
		return errors.Wrap(vm.ErrInvalidArgument, "no video memory to map")
	case b.vidmemSize > l.VidmemSize:
		return errors.Wrapf(vm.ErrInvalidArgument,
			"0x%x bytes of video memory do not fit the flat region", b.vidmemSize)
	case b.dynamicVidmem && !b.tree.HAL().PageSizes().Has(vm.PageSize2M):
		return errors.Wrap(vm.ErrInvalidArgument, "root chunk windows need 2M pages")
	}

	if b.dynamicSysmem {
		win := b.sysmemWindowSize
		biggest := b.tree.HAL().PageSizes().Biggest()

		if win == 0 || win&(win-1) != 0 || win < biggest {
			return errors.Wrapf(vm.ErrInvalidArgument,
				"sysmem window of 0x%x bytes", win)
		}

		if vm.AlignUp(b.sysmemSize, win) > l.SysmemSize {
			return errors.Wrapf(vm.ErrInvalidArgument,
				"0x%x bytes of system memory do not fit the flat region", b.sysmemSize)
		}
	}

	return nil
}

// Build creates the manager. The static video-memory mapping, if any, is
// created before Build returns.
func (b Builder) Build(name string) (*Manager, error) {
	var layout Layout
	if b.tree != nil {
		layout = LayoutFor(b.tree.HAL())
	}

	if err := b.validate(layout); err != nil {
		return nil, err
	}

	m := &Manager{
		name:              name,
		tree:              b.tree,
		hal:               b.tree.HAL(),
		layout:            layout,
		maxVidmemPageSize: b.maxVidmemPageSize,
		vidmemSize:        b.vidmemSize,
		staticVidmem:      b.staticVidmem,
		dynamicVidmem:     b.dynamicVidmem,
		dynamicSysmem:     b.dynamicSysmem,
		sysmemWindowSize:  b.sysmemWindowSize,
		virtualPeerCopy:   b.virtualPeerCopy,
		log:               logrus.WithField("component", name),
	}

	if m.dynamicVidmem {
		n := vm.AlignUp(m.vidmemSize, pmm.RootChunkSize) / pmm.RootChunkSize
		m.chunks = make([]chunkWindow, n)
	}

	if m.dynamicSysmem {
		n := vm.AlignUp(b.sysmemSize, m.sysmemWindowSize) / m.sysmemWindowSize
		m.sysmem = make([]sysmemWindow, n)
	}

	if m.staticVidmem {
		if err := m.createStatic(); err != nil {
			return nil, err
		}
	}

	return m, nil
}
