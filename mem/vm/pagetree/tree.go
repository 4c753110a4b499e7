package pagetree

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/mem/vm/tlbbatch"
	"github.com/sarchlab/gpuvm/sim"
	"github.com/sarchlab/gpuvm/sim/id"
	"github.com/sirupsen/logrus"
)

// A Tree is the page tree of one GPU address space.
//
// The directory structure, the reference counts and the tracker are guarded
// by the tree lock. The lock is never held while page-table memory is
// allocated.
type Tree struct {
	*sim.HookableBase
	sim.NamedBase

	device  Device
	hal     mmuhal.Mode
	kind    Kind
	vaSpace string

	location        vm.Aperture
	fallbackAllowed bool

	mapRemapEnabled bool
	mapRemap        struct {
		ptesInvalid4K *Directory
		pde0          *Directory
	}

	unaddressable UnaddressableRange
	atsRanges     [2]Range

	lock    sync.Mutex
	root    *Directory
	tracker *push.Tracker

	counters counters
	log      *logrus.Entry
}

// An Op describes a tree operation reported to hooks.
type Op struct {
	ID       string
	Name     string
	PageSize uint64
	Start    uint64
	Size     uint64
}

// Root returns the top-level directory.
func (t *Tree) Root() *Directory {
	return t.root
}

// RootAddress returns the address of the top-level directory, which is the
// page directory base programmed into the GPU.
func (t *Tree) RootAddress() vm.PhysAddr {
	return t.root.Alloc.Addr
}

// HAL returns the MMU mode of the tree.
func (t *Tree) HAL() mmuhal.Mode {
	return t.hal
}

// TLBCaps returns the invalidate capabilities of the GPU.
func (t *Tree) TLBCaps() tlbbatch.Caps {
	return t.device.TLBCaps()
}

// Kind tells whether the tree translates user or kernel addresses.
func (t *Tree) Kind() Kind {
	return t.kind
}

// Location returns the aperture page tables are preferably allocated from.
func (t *Tree) Location() vm.Aperture {
	return t.location
}

// Device returns the GPU the tree belongs to.
func (t *Tree) Device() Device {
	return t.device
}

// useCPU tells if directories are written by the CPU instead of the copy
// engine. That is the case for video-memory tables the copy engine can reach
// neither physically nor through the flat mapping.
func (t *Tree) useCPU() bool {
	return t.location != vm.ApertureSys &&
		!t.device.CEPhysVidmemWriteSupported() &&
		!t.device.FlatMappingReady()
}

func (t *Tree) channel() push.ChannelType {
	if t.kind == KindKernel {
		return push.ChannelGPUInternal
	}

	return push.ChannelMemops
}

// begin opens a push on the channel of the tree that waits for deps.
func (t *Tree) begin(deps *push.Tracker, desc string) (*push.Push, error) {
	p, err := t.device.Pushes().Begin(t.channel(), deps, desc)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: %s", t.Name(), desc)
	}

	t.counters.pushes.Add(1)

	return p, nil
}

// beginAcquire opens a push ordered behind the previous work of the tree.
// The tree lock must be held.
func (t *Tree) beginAcquire(desc string) (*push.Push, error) {
	return t.begin(t.tracker, desc)
}

// Begin opens a push on the channel of the tree. The push does not wait for
// the outstanding work of the tree.
func (t *Tree) Begin(desc string) (*push.Push, error) {
	return t.begin(nil, desc)
}

// endAndTrack submits p and makes it the outstanding work of the tree. The
// tree lock must be held.
func (t *Tree) endAndTrack(p *push.Push) {
	t.tracker.Overwrite(t.device.Pushes().End(p))
}

func (t *Tree) startOp(name string, pageSize, start, size uint64) *Op {
	op := &Op{
		ID:       id.Generate(),
		Name:     name,
		PageSize: pageSize,
		Start:    start,
		Size:     size,
	}

	t.InvokeHook(sim.HookCtx{
		Domain: t,
		Pos:    sim.HookPosTreeOpStart,
		Item:   op,
	})

	return op
}

func (t *Tree) endOp(op *Op, err error) {
	t.InvokeHook(sim.HookCtx{
		Domain: t,
		Pos:    sim.HookPosTreeOpEnd,
		Item:   op,
		Detail: err,
	})
}

func (t *Tree) init() error {
	root, err := t.allocateDirectory(vm.PageSizeAgnostic, 0, pmm.AllocFlagEvict)
	if err != nil {
		return errors.Wrapf(err, "%s: allocating the root directory", t.Name())
	}

	t.root = root

	if t.mapRemapEnabled {
		if err := t.mapRemapInit(); err != nil {
			t.teardown()
			return err
		}
	}

	if t.useCPU() {
		t.physMemInit(vm.PageSizeAgnostic, root, nil)
		t.device.Host().WriteBarrier()
	} else {
		p, err := t.begin(nil, "initializing the root directory")
		if err != nil {
			t.teardown()
			return err
		}

		t.physMemInit(vm.PageSizeAgnostic, root, p)

		if err := t.device.Pushes().EndAndWait(p); err != nil {
			t.teardown()
			return errors.Wrapf(err, "%s: initializing the root directory", t.Name())
		}
	}

	if err := t.atsInit(); err != nil {
		t.atsDeinit()
		t.teardown()

		return err
	}

	t.log.WithFields(logrus.Fields{
		"root":     root.Alloc.Addr,
		"location": t.location,
		"cpu":      t.useCPU(),
	}).Debug("page tree initialized")

	return nil
}

// Deinit destroys the tree. Every range must have been released. It panics
// if entries are still referenced.
func (t *Tree) Deinit() {
	t.atsDeinit()

	if t.root.RefCount != 0 {
		t.log.WithField("refs", t.root.RefCount).
			Panic("destroying a page tree with referenced entries")
	}

	t.teardown()
}

func (t *Tree) teardown() {
	t.lock.Lock()

	if t.device.ATSEnabled() && t.kind == KindUser {
		p, err := t.beginAcquire("invalidating the TLB before destruction")
		if err == nil {
			p.TLBInvalidateAll(t.RootAddress(), 0, vm.MembarNone)
			t.endAndTrack(p)
			t.counters.invalidates.Add(1)
		} else {
			t.log.WithError(err).Warn("skipping the final TLB invalidate")
		}
	}

	if err := t.tracker.Wait(); err != nil {
		t.log.WithError(err).Warn("outstanding page-tree work failed")
	}

	t.freeDirectory(t.root)
	t.root = nil

	t.mapRemapDeinit()
	t.lock.Unlock()
}

// Wait blocks until all outstanding work of the tree has completed.
func (t *Tree) Wait() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.tracker.Wait()
}
