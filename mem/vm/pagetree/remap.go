package pagetree

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sarchlab/gpuvm/mem/vm/ptebatch"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/mem/vm/tlbbatch"
)

// mapRemapInit builds the shared tables 512M entries point at when they are
// reserved: a 2M-level directory whose every entry points at one table of
// invalid 4K entries.
func (t *Tree) mapRemapInit() error {
	depth4K := t.hal.PageTableDepth(vm.PageSize4K)

	ptes, err := t.allocateDirectory(vm.PageSize4K, depth4K, pmm.AllocFlagNone)
	if err != nil {
		return errors.Wrapf(err, "%s: allocating the invalid 4K table", t.Name())
	}

	t.mapRemap.ptesInvalid4K = ptes

	pde0, err := t.allocateDirectory(vm.PageSize2M, t.hal.PageTableDepth(vm.PageSize2M),
		pmm.AllocFlagNone)
	if err != nil {
		return errors.Wrapf(err, "%s: allocating the remap directory", t.Name())
	}

	t.mapRemap.pde0 = pde0

	p, err := t.begin(nil, "initializing the map-remap tables")
	if err != nil {
		return err
	}

	pteSize := t.hal.EntrySize(depth4K)

	var batch ptebatch.Batch
	batch.Begin(p, t.device)
	ptesSize := t.hal.AllocationSize(depth4K, vm.PageSize4K)
	batch.ClearPTEs(ptes.Alloc.Addr, 0, pteSize, int(ptesSize)/pteSize)
	batch.End(vm.MembarNone)

	var children [2]*vm.Allocation
	children[t.hal.EntryOffset(depth4K-1, vm.PageSize4K)] = &ptes.Alloc

	if pde0.Alloc.Addr.Aperture == vm.ApertureVid {
		p.SetFlag(push.FlagNextMembarGPU)
	}

	entrySize := uint64(t.hal.EntrySize(pde0.Depth))
	pde0Size := t.hal.AllocationSize(pde0.Depth, vm.PageSize2M)
	t.pdeFill(pde0, 0, uint32(pde0Size/entrySize), children, p)

	if err := t.device.Pushes().EndAndWait(p); err != nil {
		return errors.Wrapf(err, "%s: initializing the map-remap tables", t.Name())
	}

	return nil
}

// mapRemapDeinit frees the map-remap tables. The tree lock must be held.
func (t *Tree) mapRemapDeinit() {
	t.freeDirectory(t.mapRemap.pde0)
	t.mapRemap.pde0 = nil

	t.freeDirectory(t.mapRemap.ptesInvalid4K)
	t.mapRemap.ptesInvalid4K = nil
}

// remap512M points the entries of a fresh 512M range at the shared remap
// directory. The tree lock must be held.
func (t *Tree) remap512M(r *Range, start, size uint64) error {
	p, err := t.beginAcquire("remapping 512M entries")
	if err != nil {
		return err
	}

	if r.Aperture() == vm.ApertureVid {
		p.SetFlag(push.FlagNextMembarGPU)
	}

	children := [2]*vm.Allocation{&t.mapRemap.pde0.Alloc, nil}
	t.pdeFill(r.Table, r.StartIndex, r.EntryCount, children, p)

	p.WaitForIdle()

	ps := r.PageSize
	covered := vm.PageSizes((ps | (ps - 1)) & uint64(t.hal.PageSizes()))
	tlbbatch.SingleInvalidate(t, p, start, size, covered, vm.MembarNone)

	t.endAndTrack(p)
	t.counters.invalidates.Add(1)

	return nil
}

func (t *Tree) atsInitRequired() bool {
	return t.kind == KindUser &&
		t.vaSpace != "" &&
		t.device.ATSEnabled() &&
		t.device.NoATSRangeRequired()
}

// atsInit reserves the entries bordering the CPU address hole so that ATS
// translation is never attempted inside it.
func (t *Tree) atsInit() error {
	if !t.atsInitRequired() {
		return nil
	}

	ps := mmuhal.BiggestPageSize(t.hal)

	err := t.GetPTEs(ps, t.unaddressable.MaxVALower, ps, pmm.AllocFlagEvict, &t.atsRanges[0])
	if err != nil {
		return errors.Wrapf(err, "%s: reserving the lower ATS guard", t.Name())
	}

	if !t.unaddressable.Canonical {
		return nil
	}

	err = t.GetPTEs(ps, t.unaddressable.MinVAUpper-ps, ps, pmm.AllocFlagEvict, &t.atsRanges[1])
	if err != nil {
		return errors.Wrapf(err, "%s: reserving the upper ATS guard", t.Name())
	}

	return nil
}

func (t *Tree) atsDeinit() {
	if !t.atsInitRequired() {
		return
	}

	for i := range t.atsRanges {
		if t.atsRanges[i].EntryCount != 0 {
			if err := t.PutPTEs(&t.atsRanges[i]); err != nil {
				t.log.WithError(err).Warn("releasing an ATS guard failed")
			}
		}
	}

	t.atsRanges = [2]Range{}
}
