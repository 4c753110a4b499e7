package pagetree

import (
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
)

// entryIndex returns the slot of dir.Entries holding the child of pageSize
// at index.
func (t *Tree) entryIndex(depth int, index uint32, pageSize uint64) uint32 {
	epi := uint32(t.hal.EntriesPerIndex(depth))
	return epi*index + uint32(t.hal.EntryOffset(depth, pageSize))
}

// physMemInit clears the memory of a new directory. With a nil push the CPU
// writes the memory.
func (t *Tree) physMemInit(pageSize uint64, dir *Directory, p *push.Push) {
	entries := uint32(1) << t.hal.IndexBits(dir.Depth, pageSize)
	maxPDEDepth := t.hal.PageTableDepth(vm.PageSizeAgnostic) - 1

	if dir.Depth <= maxPDEDepth && entries <= 512 {
		t.pdeFill(dir, 0, entries, [2]*vm.Allocation{}, p)
		return
	}

	var clear uint64
	if dir.Depth != t.hal.PageTableDepth(pageSize) {
		words := make([]uint64, t.hal.EntrySize(dir.Depth)/8)
		t.hal.MakePDE(words, [2]*vm.Allocation{}, dir.Depth, 0)
		clear = words[0]
	}

	if p == nil {
		m := t.device.Host().Map(dir.Alloc)
		m.Fill(0, clear, int(dir.Alloc.Size/8))
		m.Unmap()
		t.counters.cpuWrites.Add(dir.Alloc.Size / 8)

		return
	}

	p.Memset8(t.device.GPUAddress(dir.Alloc.Addr), clear, dir.Alloc.Size)
}

// pdeFill writes count entries of dir starting at start, all pointing at
// children.
func (t *Tree) pdeFill(
	dir *Directory,
	start, count uint32,
	children [2]*vm.Allocation,
	p *push.Push,
) {
	if p == nil {
		t.pdeFillCPU(dir, start, count, children)
		return
	}

	t.pdeFillGPU(dir, start, count, children, p)
}

func (t *Tree) pdeFillCPU(
	dir *Directory,
	start, count uint32,
	children [2]*vm.Allocation,
) {
	entrySize := t.hal.EntrySize(dir.Depth)
	words := make([]uint64, entrySize/8)

	m := t.device.Host().Map(dir.Alloc)
	defer m.Unmap()

	for i := uint32(0); i < count; i++ {
		t.hal.MakePDE(words, children, dir.Depth, start+i)
		m.Write(uint64(start+i)*uint64(entrySize), words)
	}

	t.counters.cpuWrites.Add(uint64(count))
}

func (t *Tree) pdeFillGPU(
	dir *Directory,
	start, count uint32,
	children [2]*vm.Allocation,
	p *push.Push,
) {
	var savedFlag push.Flags

	switch {
	case p.GetAndResetFlag(push.FlagNextMembarNone):
		savedFlag = push.FlagNextMembarNone
	case p.GetAndResetFlag(push.FlagNextMembarGPU):
		savedFlag = push.FlagNextMembarGPU
	}

	entrySize := t.hal.EntrySize(dir.Depth)
	wordsPerEntry := entrySize / 8
	maxPerChunk := uint32(push.InlineDataMaxSize / entrySize)
	base := t.device.GPUAddress(dir.Alloc.Addr)

	for done := uint32(0); done < count; {
		n := min(count-done, maxPerChunk)

		words := make([]uint64, int(n)*wordsPerEntry)
		for i := uint32(0); i < n; i++ {
			entry := words[int(i)*wordsPerEntry : int(i+1)*wordsPerEntry]
			t.hal.MakePDE(entry, children, dir.Depth, start+done+i)
		}

		if done != 0 {
			p.SetFlag(push.FlagCENextPipelined)
		}

		if done+n < count {
			p.SetFlag(push.FlagNextMembarNone)
		} else if savedFlag != 0 {
			p.SetFlag(savedFlag)
		}

		p.MemcopyInline(base.Offset(uint64(start+done)*uint64(entrySize)), words)

		done += n
	}
}

// pdeWrite rewrites the entry at index of dir from its host children. With
// forceClear the entry is written invalid.
func (t *Tree) pdeWrite(dir *Directory, index uint32, forceClear bool, p *push.Push) {
	var children [2]*vm.Allocation

	if !forceClear {
		epi := uint32(t.hal.EntriesPerIndex(dir.Depth))
		for i := uint32(0); i < epi; i++ {
			if child := dir.Entries[epi*index+i]; child != nil {
				children[i] = &child.Alloc
			}
		}
	}

	t.pdeFill(dir, index, 1, children, p)
}

// hostPDEWrite links child below parent at index.
func (t *Tree) hostPDEWrite(parent *Directory, index uint32, pageSize uint64, child *Directory) {
	parent.Entries[t.entryIndex(parent.Depth, index, pageSize)] = child
	parent.RefCount++

	child.Parent = parent
	child.Index = index
}

// hostPDEClear unlinks the child of pageSize at index of parent.
func (t *Tree) hostPDEClear(parent *Directory, index uint32, pageSize uint64) {
	slot := t.entryIndex(parent.Depth, index, pageSize)
	if parent.Entries[slot] == nil {
		panic("clearing an empty directory entry")
	}

	parent.Entries[slot] = nil
	parent.RefCount--
}

// pdeClear unlinks dir from its parent and rewrites the parent entry.
func (t *Tree) pdeClear(dir *Directory, pageSize uint64, p *push.Push) {
	t.hostPDEClear(dir.Parent, dir.Index, pageSize)
	t.pdeWrite(dir.Parent, dir.Index, false, p)
}

func wfiMembar(p *push.Push, membar vm.Membar) {
	p.WaitForIdle()

	if membar != vm.MembarNone {
		p.Membar(membar)
	}
}

// writeGPUState publishes newly linked directories. used is ordered from the
// top down. The directories are initialized first and linked bottom-up so
// the GPU never walks into uninitialized memory. The tree lock must be held.
func (t *Tree) writeGPUState(pageSize uint64, used []*Directory, invalidateDepth int) error {
	if len(used) == 0 {
		return nil
	}

	if t.useCPU() {
		return t.writeGPUStateCPU(pageSize, used, invalidateDepth)
	}

	return t.writeGPUStateGPU(pageSize, used, invalidateDepth)
}

func (t *Tree) writeGPUStateCPU(pageSize uint64, used []*Directory, invalidateDepth int) error {
	if err := t.tracker.Wait(); err != nil {
		return err
	}

	host := t.device.Host()

	for _, dir := range used {
		t.physMemInit(pageSize, dir, nil)
	}

	host.WriteBarrier()

	for i := len(used) - 1; i >= 0; i-- {
		t.pdeWrite(used[i].Parent, used[i].Index, false, nil)
	}

	host.WriteBarrier()

	p, err := t.beginAcquire("invalidating after linking directories")
	if err != nil {
		return err
	}

	p.TLBInvalidateAll(t.RootAddress(), invalidateDepth, vm.MembarNone)
	t.endAndTrack(p)
	t.counters.invalidates.Add(1)

	return nil
}

func (t *Tree) writeGPUStateGPU(pageSize uint64, used []*Directory, invalidateDepth int) error {
	p, err := t.beginAcquire("linking directories")
	if err != nil {
		return err
	}

	membar := vm.MembarGPU

	for _, dir := range used {
		p.SetFlag(push.FlagCENextPipelined)
		p.SetFlag(push.FlagNextMembarNone)
		t.physMemInit(pageSize, dir, p)

		if dir.Alloc.Addr.Aperture == vm.ApertureSys {
			membar = vm.MembarSys
		}
	}

	wfiMembar(p, membar)

	membar = vm.MembarGPU

	for i := len(used) - 1; i >= 0; i-- {
		parent := used[i].Parent

		p.SetFlag(push.FlagCENextPipelined)
		p.SetFlag(push.FlagNextMembarNone)
		t.pdeWrite(parent, used[i].Index, false, p)

		if parent.Alloc.Addr.Aperture == vm.ApertureSys {
			membar = vm.MembarSys
		}
	}

	wfiMembar(p, membar)

	p.TLBInvalidateAll(t.RootAddress(), invalidateDepth, vm.MembarNone)
	p.SetFlag(push.FlagNextMembarNone)
	t.endAndTrack(p)
	t.counters.invalidates.Add(1)

	return nil
}
