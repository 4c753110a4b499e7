package pagetree

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/sim"
	"github.com/sirupsen/logrus"
)

// A Builder can build page trees.
type Builder struct {
	device        Device
	kind          Kind
	bigPageSize   uint64
	location      vm.Aperture
	vaSpace       string
	mapRemap      bool
	unaddressable UnaddressableRange
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		kind:          KindUser,
		bigPageSize:   vm.PageSize64K,
		location:      vm.ApertureDefault,
		unaddressable: CPUUnaddressableRange,
	}
}

// WithDevice sets the GPU the tree belongs to.
func (b Builder) WithDevice(d Device) Builder {
	b.device = d
	return b
}

// WithKind sets whether the tree translates user or kernel addresses.
func (b Builder) WithKind(k Kind) Builder {
	b.kind = k
	return b
}

// WithBigPageSize sets the big page size, which selects the HAL.
func (b Builder) WithBigPageSize(s uint64) Builder {
	b.bigPageSize = s
	return b
}

// WithLocation sets the aperture page tables are allocated from.
// ApertureDefault follows the page-table location setting.
func (b Builder) WithLocation(a vm.Aperture) Builder {
	b.location = a
	return b
}

// WithVASpace sets the address space owning a user tree. System memory used
// by the tree is charged to it.
func (b Builder) WithVASpace(name string) Builder {
	b.vaSpace = name
	return b
}

// WithMapRemap makes 512M reservations point their entries at a shared table
// of invalid 4K entries.
func (b Builder) WithMapRemap() Builder {
	b.mapRemap = true
	return b
}

// WithCPUUnaddressableRange overrides the CPU address hole guarded on ATS
// systems.
func (b Builder) WithCPUUnaddressableRange(r UnaddressableRange) Builder {
	b.unaddressable = r
	return b
}

// Build creates an active tree with an initialized root. On failure nothing
// is left allocated.
func (b Builder) Build(name string) (*Tree, error) {
	if b.device == nil {
		return nil, errors.Wrap(vm.ErrInvalidDevice, "building a page tree without a device")
	}

	hal, err := mmuhal.ForArch(b.device.Arch(), b.bigPageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "selecting the MMU mode of %s", b.device.Name())
	}

	location, fallback := resolveLocation(b.location)
	if location != vm.ApertureVid && location != vm.ApertureSys {
		return nil, errors.Wrapf(vm.ErrInvalidArgument,
			"page tables cannot live in %s", location)
	}

	t := &Tree{
		HookableBase:    sim.NewHookableBase(),
		NamedBase:       sim.MakeNamedBase(name),
		device:          b.device,
		hal:             hal,
		kind:            b.kind,
		vaSpace:         b.vaSpace,
		location:        location,
		fallbackAllowed: fallback,
		mapRemapEnabled: b.mapRemap && hal.PageSizes().Has(vm.PageSize512M),
		unaddressable:   b.unaddressable,
		tracker:         push.NewTracker(),
		log: logrus.WithFields(logrus.Fields{
			"component": b.device.Name(),
			"tree":      name,
			"arch":      hal.Arch().String(),
		}),
	}

	if err := t.init(); err != nil {
		return nil, err
	}

	return t, nil
}
