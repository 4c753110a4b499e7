package pagetree

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sirupsen/logrus"
)

// allocPhys allocates page-table memory from the location of the tree.
// Trees with the default location fall back to system memory when video
// memory is exhausted.
func (t *Tree) allocPhys(size uint64, flags pmm.AllocFlags) (vm.Allocation, error) {
	if t.location == vm.ApertureSys {
		return t.device.Sysmem().Alloc(size, t.vaSpace)
	}

	alloc, err := t.device.Vidmem().Alloc(size, flags)
	if err == nil {
		return alloc, nil
	}

	if !t.fallbackAllowed || !errors.Is(err, vm.ErrNoMemory) {
		return vm.Allocation{}, err
	}

	alloc, sysErr := t.device.Sysmem().Alloc(size, t.vaSpace)
	if sysErr != nil {
		return vm.Allocation{}, errors.Wrap(sysErr, err.Error())
	}

	t.counters.fallbacks.Add(1)
	t.log.WithField("size", size).
		Debug("video memory exhausted, page table placed in system memory")

	return alloc, nil
}

// freePhys releases page-table memory. Video memory is reused once the
// outstanding work of the tree completes. System memory is only released
// after waiting for that work, and is leaked if the work failed. The tree
// lock must be held.
func (t *Tree) freePhys(alloc vm.Allocation) bool {
	if alloc.Addr.Aperture == vm.ApertureVid {
		t.device.Vidmem().Free(alloc, t.tracker)
		return true
	}

	if err := t.tracker.Wait(); err != nil {
		t.counters.leaks.Add(1)
		t.log.WithError(err).
			WithField("addr", alloc.Addr).
			Warn("leaking page-table memory, pending operations failed")

		return false
	}

	t.device.Sysmem().Free(alloc)

	return true
}

// allocateDirectory allocates an uninitialized directory of the given depth
// holding entries of pageSize. The tree lock must not be held.
func (t *Tree) allocateDirectory(
	pageSize uint64,
	depth int,
	flags pmm.AllocFlags,
) (*Directory, error) {
	size := t.hal.AllocationSize(depth, pageSize)

	alloc, err := t.allocPhys(size, flags)
	if err != nil {
		return nil, err
	}

	dir := &Directory{
		Depth: depth,
		Alloc: alloc,
	}

	if depth != t.hal.PageTableDepth(vm.PageSizeAgnostic) {
		n := t.hal.EntriesPerIndex(depth) << t.hal.IndexBits(depth, pageSize)
		dir.Entries = make([]*Directory, n)
	}

	t.counters.dirsAllocated.Add(1)

	if t.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		t.log.WithFields(logrus.Fields{
			"depth": depth,
			"size":  size,
			"addr":  alloc.Addr,
		}).Trace("directory allocated")
	}

	return dir, nil
}

// freeDirectory releases the memory of a directory. The tree lock must be
// held.
func (t *Tree) freeDirectory(dir *Directory) {
	if dir == nil {
		return
	}

	if t.freePhys(dir.Alloc) {
		t.counters.dirsFreed.Add(1)
	}
}

// freeUnusedDirectories releases the preallocated directories that were not
// linked into the tree. The tree lock must be held.
func (t *Tree) freeUnusedDirectories(cache []*Directory) {
	for i, dir := range cache {
		if dir == nil {
			continue
		}

		t.freeDirectory(dir)
		cache[i] = nil
	}
}
