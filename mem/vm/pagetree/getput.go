package pagetree

import (
	"fmt"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sirupsen/logrus"
)

func (t *Tree) mustBeValidRequest(pageSize, start, size uint64) {
	if !t.hal.PageSizes().Has(pageSize) {
		panic(fmt.Sprintf("page size %s is not supported by %s",
			vm.PageSizeString(pageSize), t.hal.Arch()))
	}

	if size == 0 || !vm.IsAligned(start, pageSize) || !vm.IsAligned(size, pageSize) {
		panic(fmt.Sprintf("range [0x%x, +0x%x) is not aligned to %s",
			start, size, vm.PageSizeString(pageSize)))
	}
}

// tryGetPTEs walks down to the page table covering [start, start+size),
// linking directories from cache where entries are missing. If a level has
// no directory to link, every link made is undone and the depth of the
// directory missing its child is returned. It returns -1 once the range is
// filled. The tree lock must be held.
func (t *Tree) tryGetPTEs(
	pageSize, start, size uint64,
	r *Range,
	cache *[maxOperationDepth]*Directory,
) (int, error) {
	var (
		used     [maxOperationDepth]*Directory
		numUsed  int
		invDepth = -1
	)

	leafDepth := t.hal.PageTableDepth(pageSize)
	shift := t.hal.NumVABits()
	end := start + size - 1
	dir := t.root

	for {
		bits := t.hal.IndexBits(dir.Depth, pageSize)
		shift -= bits
		mask := uint64(1)<<bits - 1

		startIndex := uint32((start >> shift) & mask)
		endIndex := uint32((end >> shift) & mask)

		if dir.Depth == leafDepth {
			*r = Range{
				Table:      dir,
				StartIndex: startIndex,
				EntryCount: endIndex - startIndex + 1,
				PageSize:   pageSize,
			}
			dir.RefCount += r.EntryCount

			break
		}

		if startIndex != endIndex {
			panic(fmt.Sprintf("range [0x%x, +0x%x) spans more than one page table",
				start, size))
		}

		child := dir.Entries[t.entryIndex(dir.Depth, startIndex, pageSize)]
		if child == nil {
			child = cache[dir.Depth]
			if child == nil {
				for i := numUsed - 1; i >= 0; i-- {
					t.hostPDEClear(used[i].Parent, used[i].Index, pageSize)
					used[i].Parent = nil
				}

				return dir.Depth, nil
			}

			t.hostPDEWrite(dir, startIndex, pageSize, child)
			used[numUsed] = child
			numUsed++

			if invDepth < 0 {
				invDepth = dir.Depth
			}
		}

		dir = child
	}

	for i := 0; i < numUsed; i++ {
		cache[used[i].Depth-1] = nil
	}

	t.freeUnusedDirectories(cache[:])

	if err := t.writeGPUState(pageSize, used[:numUsed], invDepth); err != nil {
		r.Table.RefCount -= r.EntryCount
		*r = Range{}
		t.counters.leaks.Add(uint64(numUsed))

		return -1, err
	}

	return -1, nil
}

// GetPTEsAsync reserves the entries of pageSize covering [start,
// start+size), allocating and publishing the directories on the way. The
// range must fit in one page table. The returned range is usable once the
// work of the tree completes, see Wait.
func (t *Tree) GetPTEsAsync(
	pageSize, start, size uint64,
	flags pmm.AllocFlags,
	r *Range,
) error {
	t.mustBeValidRequest(pageSize, start, size)

	op := t.startOp("GetPTEs", pageSize, start, size)
	err := t.getPTEs(pageSize, start, size, flags, r)
	t.endOp(op, err)

	return err
}

func (t *Tree) getPTEs(
	pageSize, start, size uint64,
	flags pmm.AllocFlags,
	r *Range,
) error {
	var cache [maxOperationDepth]*Directory

	t.lock.Lock()
	defer t.lock.Unlock()

	for {
		depth, err := t.tryGetPTEs(pageSize, start, size, r, &cache)
		if err != nil {
			return err
		}

		if depth < 0 {
			break
		}

		t.counters.retries.Add(1)

		t.lock.Unlock()
		cache[depth], err = t.allocateDirectory(pageSize, depth+1, flags)
		t.lock.Lock()

		if err != nil {
			t.freeUnusedDirectories(cache[:])
			return err
		}
	}

	t.counters.gets.Add(1)

	if t.mapRemapEnabled && pageSize == vm.PageSize512M {
		if err := t.remap512M(r, start, size); err != nil {
			t.putPTEsLocked(r)
			*r = Range{}

			return err
		}
	}

	return nil
}

// GetPTEs is GetPTEsAsync followed by a wait for the tree work. If the wait
// fails the range is released.
func (t *Tree) GetPTEs(
	pageSize, start, size uint64,
	flags pmm.AllocFlags,
	r *Range,
) error {
	if err := t.GetPTEsAsync(pageSize, start, size, flags, r); err != nil {
		return err
	}

	if err := t.Wait(); err != nil {
		t.PutPTEsAsync(r)
		*r = Range{}

		return err
	}

	return nil
}

// GetEntry reserves the single entry of pageSize mapping start.
func (t *Tree) GetEntry(pageSize, start uint64, flags pmm.AllocFlags, single *Range) error {
	if err := t.GetPTEs(pageSize, start, pageSize, flags, single); err != nil {
		return err
	}

	if single.EntryCount != 1 {
		panic("a single entry range holds more than one entry")
	}

	return nil
}

// PutPTEsAsync releases the entries of r. Directories left without
// references are unlinked and freed once the TLB no longer caches them.
func (t *Tree) PutPTEsAsync(r *Range) {
	op := t.startOp("PutPTEs", r.PageSize, t.rangeStart(r), uint64(r.EntryCount)*r.PageSize)

	t.lock.Lock()
	err := t.putPTEsLocked(r)
	t.lock.Unlock()

	t.endOp(op, err)
}

// PutPTEs releases the entries of r and waits for the tree work.
func (t *Tree) PutPTEs(r *Range) error {
	t.PutPTEsAsync(r)
	return t.Wait()
}

// rangeStart returns the first virtual address mapped by r, rebuilt from the
// indices of the directories above it.
func (t *Tree) rangeStart(r *Range) uint64 {
	va := uint64(r.StartIndex) << mmuhal.AddrShift(t.hal, r.Table.Depth, r.PageSize)

	for dir := r.Table; dir.Parent != nil; dir = dir.Parent {
		va |= uint64(dir.Index) << mmuhal.AddrShift(t.hal, dir.Parent.Depth, r.PageSize)
	}

	return va
}

func (t *Tree) putPTEsLocked(r *Range) error {
	var (
		free     [maxOperationDepth]*Directory
		numFree  int
		invDepth int
		p        *push.Push
	)

	membarAfterClears := vm.MembarGPU
	membarAfterInvalidate := vm.MembarGPU
	cpu := t.useCPU()

	dir := r.Table
	if dir.RefCount < r.EntryCount {
		panic("releasing more entries than referenced")
	}

	dir.RefCount -= r.EntryCount
	t.counters.puts.Add(1)

	for dir.Parent != nil && dir.RefCount == 0 {
		parent := dir.Parent

		if numFree == 0 {
			var err error
			if cpu {
				err = t.tracker.Wait()
			}

			if err == nil {
				p, err = t.beginAcquire("releasing directories")
			}

			if err != nil {
				r.Table.RefCount += r.EntryCount
				t.log.WithError(err).
					WithField("depth", dir.Depth).
					Warn("leaking page-table memory, cannot clear directory entries")

				return err
			}
		}

		if cpu {
			t.pdeClear(dir, r.PageSize, nil)
		} else {
			p.SetFlag(push.FlagCENextPipelined)
			p.SetFlag(push.FlagNextMembarNone)
			t.pdeClear(dir, r.PageSize, p)
		}

		invDepth = parent.Depth

		thisMembar := vm.MembarSys
		if !cpu && dir.Alloc.Addr.Aperture == vm.ApertureVid {
			thisMembar = vm.MembarGPU
		}

		membarAfterInvalidate = vm.MaxMembar(membarAfterInvalidate, thisMembar)

		if parent.Alloc.Addr.Aperture == vm.ApertureSys {
			membarAfterClears = vm.MembarSys
		}

		free[numFree] = dir
		numFree++
		dir = parent
	}

	if numFree == 0 {
		return nil
	}

	if cpu {
		t.device.Host().WriteBarrier()
	} else {
		wfiMembar(p, membarAfterClears)
	}

	p.TLBInvalidateAll(t.RootAddress(), invDepth, membarAfterInvalidate)

	if !cpu {
		p.SetFlag(push.FlagNextMembarNone)
	}

	t.endAndTrack(p)
	t.counters.invalidates.Add(1)

	for i := 0; i < numFree; i++ {
		t.freeDirectory(free[i])
	}

	if t.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		t.log.WithFields(logrus.Fields{
			"freed":           numFree,
			"invalidateDepth": invDepth,
		}).Debug("directories released")
	}

	return nil
}

// WritePDE rewrites the directory entry of a single-entry range from the
// tables linked below it. A nil push writes through the CPU.
func (t *Tree) WritePDE(single *Range, p *push.Push) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.pdeWrite(single.Table, single.StartIndex, false, p)
}

// ClearPDE writes the directory entry of a single-entry range invalid. The
// tables linked below it are left in place.
func (t *Tree) ClearPDE(single *Range, p *push.Push) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.pdeWrite(single.Table, single.StartIndex, true, p)
}

// AllocTable links a page table of pageSize below the single entry of a
// bigger page size and returns a range reserving all its entries. The new
// table is filled with poisoned entries. If a table of that page size is
// already linked there it is shared instead. The directory entry is not
// written; the caller publishes it with WritePDE once the table is filled.
func (t *Tree) AllocTable(single *Range, pageSize uint64, flags pmm.AllocFlags) (Range, error) {
	if single.EntryCount != 1 {
		panic("allocating a table below more than one entry")
	}

	op := t.startOp("AllocTable", pageSize, 0, single.PageSize)
	children, err := t.allocTable(single, pageSize, flags)
	t.endOp(op, err)

	return children, err
}

func (t *Tree) allocTable(single *Range, pageSize uint64, flags pmm.AllocFlags) (Range, error) {
	parent := single.Table

	dir, err := t.allocateDirectory(pageSize, parent.Depth+1, flags)
	if err != nil {
		return Range{}, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.poisonPTEs(parent, dir); err != nil {
		t.freeDirectory(dir)
		return Range{}, err
	}

	if err := t.tracker.Wait(); err != nil {
		t.freeDirectory(dir)
		return Range{}, err
	}

	children := Range{
		StartIndex: 0,
		EntryCount: uint32(1) << t.hal.IndexBits(dir.Depth, pageSize),
		PageSize:   pageSize,
	}

	existing := parent.Entries[t.entryIndex(parent.Depth, single.StartIndex, pageSize)]
	if existing == nil {
		t.hostPDEWrite(parent, single.StartIndex, pageSize, dir)
		children.Table = dir
	} else {
		t.freeDirectory(dir)
		children.Table = existing
	}

	children.Table.RefCount += children.EntryCount

	return children, nil
}

// poisonPTEs fills a new page table with entries that fault if the GPU ever
// walks them before they are written.
func (t *Tree) poisonPTEs(parent, dir *Directory) error {
	poison := t.hal.PoisonedPTE()

	if t.useCPU() {
		m := t.device.Host().Map(dir.Alloc)
		m.Fill(0, poison, int(dir.Alloc.Size/8))
		m.Unmap()
		t.counters.cpuWrites.Add(dir.Alloc.Size / 8)

		return nil
	}

	p, err := t.beginAcquire("poisoning a page table")
	if err != nil {
		return err
	}

	if dir.Alloc.Addr.Aperture == vm.ApertureVid &&
		parent.Alloc.Addr.Aperture == vm.ApertureVid {
		p.SetFlag(push.FlagNextMembarGPU)
	}

	p.Memset8(t.device.GPUAddress(dir.Alloc.Addr), poison, dir.Alloc.Size)
	t.endAndTrack(p)

	return nil
}

// RangeGetUpper reserves again the upper n entries of src into out.
func (t *Tree) RangeGetUpper(src, out *Range, n uint32) {
	if n > src.EntryCount {
		panic("getting more entries than the range holds")
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	*out = Range{
		Table:      src.Table,
		StartIndex: src.StartIndex + src.EntryCount - n,
		EntryCount: n,
		PageSize:   src.PageSize,
	}
	out.Table.RefCount += n
}

// RangeShrink releases the entries of r past newCount. Shrinking to zero
// releases the whole range.
func (t *Tree) RangeShrink(r *Range, newCount uint32) {
	if newCount > r.EntryCount {
		panic("shrinking a range to more entries than it holds")
	}

	if newCount == 0 {
		if err := t.PutPTEs(r); err != nil {
			t.log.WithError(err).Warn("releasing a shrunk range failed")
		}

		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	r.Table.RefCount -= r.EntryCount - newCount
	r.EntryCount = newCount
}

// EntryAddress returns the physical address of entry index of the range in
// tree.
func (r *Range) EntryAddress(tree *Tree, index uint32) vm.PhysAddr {
	hal := tree.HAL()
	entrySize := uint64(hal.EntrySize(hal.PageTableDepth(r.PageSize)))

	addr := r.Table.Alloc.Addr
	addr.Address += uint64(r.StartIndex+index) * entrySize

	return addr
}
